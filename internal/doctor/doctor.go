package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/loopd/internal/config"
	"github.com/basket/loopd/internal/daemontoken"
	"github.com/basket/loopd/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, FAIL, WARN, SKIP
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkSigningKeys,
		checkPermissions,
		checkBindAddr,
		checkGitHub,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("policy=%s, fingerprint=%s", cfg.CapabilityPolicy(), cfg.Fingerprint()),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	var integrity string
	if err := store.DB().QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&integrity); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if integrity != "ok" {
		return CheckResult{Name: "Database", Status: StatusFail, Message: "Integrity check reported problems", Detail: integrity}
	}
	mc, err := store.MetricsCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	status, msg := StatusPass, "Connection and schema valid"
	if mc.InboxLive > 0 {
		// Live rows are claims that never committed or rolled back.
		status, msg = StatusWarn, fmt.Sprintf("%d uncommitted claims pending reclaim", mc.InboxLive)
	}
	return CheckResult{
		Name:    "Database",
		Status:  status,
		Message: msg,
		Detail:  fmt.Sprintf("committed=%d, processed=%d, loops=%d", mc.InboxCommitted, mc.InboxProcessed, sum(mc.LoopsByState)),
	}
}

func sum(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}

func checkSigningKeys(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Signing Keys", Status: StatusSkip, Message: "Config missing"}
	}
	active := cfg.Auth.ActiveKeyID
	path := daemontoken.KeyPath(cfg.KeysDir(), active)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return CheckResult{
			Name:    "Signing Keys",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Active key %q not found; serve will generate it", active),
			Detail:  path,
		}
	} else if err != nil {
		return CheckResult{Name: "Signing Keys", Status: StatusFail, Message: fmt.Sprintf("Stat %s: %v", path, err)}
	}
	kr, _, err := daemontoken.LoadOrCreateKeyring(cfg.KeysDir(), active)
	if err != nil {
		return CheckResult{Name: "Signing Keys", Status: StatusFail, Message: fmt.Sprintf("Load keyring: %v", err)}
	}
	return CheckResult{
		Name:    "Signing Keys",
		Status:  StatusPass,
		Message: fmt.Sprintf("Active key %q loaded", active),
		Detail:  fmt.Sprintf("keys=%s", strings.Join(kr.KeyIDs(), ",")),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	// Secrets must not be group or world readable.
	var loose []string
	secrets := []string{filepath.Join(cfg.HomeDir, "operator.key")}
	if entries, err := os.ReadDir(cfg.KeysDir()); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				secrets = append(secrets, filepath.Join(cfg.KeysDir(), e.Name()))
			}
		}
	}
	for _, p := range secrets {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o077 != 0 {
			loose = append(loose, fmt.Sprintf("%s (%o)", p, info.Mode().Perm()))
		}
	}
	if len(loose) > 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d secret files readable by others", len(loose)),
			Detail:  strings.Join(loose, ", "),
		}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable, secrets private"}
}

// checkBindAddr reports whether serve could listen. A daemon already bound
// to the address shows up as WARN, not FAIL.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable (daemon running?)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func checkGitHub(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "GitHub", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.GitHub.Token == "" {
		return CheckResult{Name: "GitHub", Status: StatusSkip, Message: "No token configured; PR labels are not published"}
	}

	host := "api.github.com"
	if cfg.GitHub.BaseURL != "" {
		u, err := url.Parse(cfg.GitHub.BaseURL)
		if err != nil || u.Hostname() == "" {
			return CheckResult{Name: "GitHub", Status: StatusFail, Message: fmt.Sprintf("Invalid base_url %q", cfg.GitHub.BaseURL)}
		}
		host = u.Hostname()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "GitHub",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "GitHub",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
