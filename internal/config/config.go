package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/otel"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr       = "127.0.0.1:18790"
	DefaultSweeperSpec    = "@every 30s"
	DefaultRetentionSpec  = "@daily"
	DefaultActiveKeyID    = "k1"
	defaultStaleSeconds   = 300
	defaultTokenTTL       = 3600
	defaultDrainTimeout   = 5
	defaultAuditLogDays   = 365
	defaultMessagesDays   = 90
	defaultGitHubRetries  = 3
	defaultRateLimitBurst = 20
)

type CapabilityConfig struct {
	// Policy is "enrollment" or "strict".
	Policy string `yaml:"policy"`
}

type ClaimConfig struct {
	StaleSeconds int `yaml:"stale_seconds"`
}

type AuthConfig struct {
	// OperatorKey guards the /api surface. When empty, serve generates
	// <home>/operator.key on first start.
	OperatorKey string `yaml:"operator_key"`
	// StrictRunContext cross-checks daemon token claims against the run row.
	StrictRunContext *bool  `yaml:"strict_run_context,omitempty"`
	ActiveKeyID      string `yaml:"active_key_id"`
	TokenTTLSeconds  int    `yaml:"token_ttl_seconds"`
}

type RateLimitConfig struct {
	// RequestsPerSecond per bearer token on /daemon-event. 0 disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type RetentionConfig struct {
	// Days to keep audit and message rows; 0 keeps them forever. The signal
	// inbox has no window.
	AuditLogDays int `yaml:"audit_log_days"`
	MessagesDays int `yaml:"messages_days"`
}

type SweeperConfig struct {
	// Schedule drives catch-up ticks (cron spec or @every).
	Schedule string `yaml:"schedule"`
	// RetentionSchedule drives retention.
	RetentionSchedule string `yaml:"retention_schedule"`
	MaxIterations     int64  `yaml:"max_iterations"`
}

type GitHubConfig struct {
	Token      string `yaml:"token"`
	BaseURL    string `yaml:"base_url"`
	MaxRetries int    `yaml:"max_retries"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers the loop stream accepts.
	// Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds shutdown of background work. 0 uses 5s.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Capability CapabilityConfig `yaml:"capability"`
	Claim      ClaimConfig      `yaml:"claim"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retention  RetentionConfig  `yaml:"retention"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	GitHub     GitHubConfig     `yaml:"github"`
	Telemetry  otel.Config      `yaml:"telemetry"`
}

// StaleAfter is the claim reclaim threshold.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Claim.StaleSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLSeconds) * time.Second
}

// StrictRunContext defaults to true.
func (c Config) StrictRunContext() bool {
	return c.Auth.StrictRunContext == nil || *c.Auth.StrictRunContext
}

// CapabilityPolicy returns the parsed policy. Load already validated it.
func (c Config) CapabilityPolicy() envelope.Policy {
	p, err := envelope.ParsePolicy(c.Capability.Policy)
	if err != nil {
		return envelope.PolicyEnrollment
	}
	return p
}

func (c Config) KeysDir() string {
	return filepath.Join(c.HomeDir, "keys")
}

func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "loopd.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// SetCapabilityPolicy updates capability.policy in config.yaml, preserving
// other settings. A running daemon picks it up through the watcher.
func SetCapabilityPolicy(homeDir, policy string) error {
	p, err := envelope.ParsePolicy(policy)
	if err != nil {
		return err
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	capability, _ := raw["capability"].(map[string]interface{})
	if capability == nil {
		capability = make(map[string]interface{})
	}
	capability["policy"] = string(p)
	raw["capability"] = capability
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings that shape request
// handling. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|policy=%s|stale=%d|strict=%t|rate=%g/%d|sweep=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Capability.Policy, c.Claim.StaleSeconds, c.StrictRunContext(),
		c.RateLimit.RequestsPerSecond, c.RateLimit.Burst, c.Sweeper.Schedule, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            DefaultBindAddr,
		LogLevel:            "info",
		DrainTimeoutSeconds: defaultDrainTimeout,
		Capability:          CapabilityConfig{Policy: string(envelope.PolicyEnrollment)},
		Claim:               ClaimConfig{StaleSeconds: defaultStaleSeconds},
		Auth:                AuthConfig{ActiveKeyID: DefaultActiveKeyID, TokenTTLSeconds: defaultTokenTTL},
		RateLimit:           RateLimitConfig{Burst: defaultRateLimitBurst},
		Retention: RetentionConfig{
			AuditLogDays: defaultAuditLogDays,
			MessagesDays: defaultMessagesDays,
		},
		Sweeper:   SweeperConfig{Schedule: DefaultSweeperSpec, RetentionSchedule: DefaultRetentionSpec},
		GitHub:    GitHubConfig{MaxRetries: defaultGitHubRetries},
		Telemetry: otel.Config{Exporter: "none", ServiceName: "loopd", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("LOOPD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loopd")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, applies env
// overrides, then normalizes and validates. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create loopd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Capability.Policy = strings.ToLower(strings.TrimSpace(cfg.Capability.Policy))
	if cfg.Capability.Policy == "" {
		cfg.Capability.Policy = string(envelope.PolicyEnrollment)
	}
	if cfg.Claim.StaleSeconds <= 0 {
		cfg.Claim.StaleSeconds = defaultStaleSeconds
	}
	if cfg.Auth.ActiveKeyID == "" {
		cfg.Auth.ActiveKeyID = DefaultActiveKeyID
	}
	if cfg.Auth.TokenTTLSeconds <= 0 {
		cfg.Auth.TokenTTLSeconds = defaultTokenTTL
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateLimitBurst
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = defaultDrainTimeout
	}
	if strings.TrimSpace(cfg.Sweeper.Schedule) == "" {
		cfg.Sweeper.Schedule = DefaultSweeperSpec
	}
	if strings.TrimSpace(cfg.Sweeper.RetentionSchedule) == "" {
		cfg.Sweeper.RetentionSchedule = DefaultRetentionSpec
	}
	if cfg.GitHub.MaxRetries < 0 {
		cfg.GitHub.MaxRetries = 0
	}
}

func validate(cfg *Config) error {
	var errs []error
	if _, err := envelope.ParsePolicy(cfg.Capability.Policy); err != nil {
		errs = append(errs, fmt.Errorf("capability.policy: %w", err))
	}
	if _, err := cron.ParseStandard(cfg.Sweeper.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("sweeper.schedule %q: %w", cfg.Sweeper.Schedule, err))
	}
	if _, err := cron.ParseStandard(cfg.Sweeper.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Errorf("sweeper.retention_schedule %q: %w", cfg.Sweeper.RetentionSchedule, err))
	}
	if cfg.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must be >= 0"))
	}
	if cfg.Retention.AuditLogDays < 0 || cfg.Retention.MessagesDays < 0 {
		errs = append(errs, errors.New("retention days must be >= 0"))
	}
	if strings.ContainsAny(cfg.Auth.ActiveKeyID, `/\.`) {
		errs = append(errs, fmt.Errorf("auth.active_key_id %q is not a valid key id", cfg.Auth.ActiveKeyID))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LOOPD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LOOPD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LOOPD_CAPABILITY_POLICY"); raw != "" {
		cfg.Capability.Policy = raw
	}
	if raw := os.Getenv("LOOPD_STALE_CLAIM_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Claim.StaleSeconds = v
		}
	}
	if raw := os.Getenv("LOOPD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("LOOPD_OPERATOR_KEY"); raw != "" {
		cfg.Auth.OperatorKey = raw
	}
	if raw := os.Getenv("GITHUB_TOKEN"); raw != "" {
		cfg.GitHub.Token = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
