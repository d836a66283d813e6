package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/loopd/internal/audit"
	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/claim"
	"github.com/basket/loopd/internal/config"
	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/cron"
	"github.com/basket/loopd/internal/daemontoken"
	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/gateway"
	otelPkg "github.com/basket/loopd/internal/otel"
	"github.com/basket/loopd/internal/persistence"
	"github.com/basket/loopd/internal/publisher/github"
	"github.com/basket/loopd/internal/realtime"
	"github.com/basket/loopd/internal/telemetry"
	"github.com/basket/loopd/internal/threadchat"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const operatorKeyFile = "operator.key"

var serveQuiet bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon event gateway",
	Long: `Run the HTTP gateway that accepts /daemon-event posts, the operator API
and the background sweeper. Stops on SIGINT or SIGTERM after draining
in-flight coordination.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveQuiet, "quiet", false, "log to <home>/logs only, not stdout")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		fatalStartup(nil, nil, "E_CONFIG_LOAD", err)
	}

	logger, levelVar, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, serveQuiet)
	if err != nil {
		fatalStartup(nil, nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "policy", cfg.CapabilityPolicy(), "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()
	defer eventBus.Close()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		fatalStartup(logger, nil, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(sctx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, nil, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, nil, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if from, migrated := store.MigratedFrom(); migrated {
		logger.Info("schema migrated", "from_version", from)
	}
	logger.Info("startup phase", "phase", "schema_migrated")

	rec, err := audit.Open(cfg.HomeDir, store.DB())
	if err != nil {
		fatalStartup(logger, nil, "E_AUDIT_INIT", err)
	}
	defer rec.Close()

	operatorKey, err := loadOperatorKey(cfg, logger)
	if err != nil {
		fatalStartup(logger, rec, "E_OPERATOR_KEY_WRITE", err)
	}

	keyring, created, err := daemontoken.LoadOrCreateKeyring(cfg.KeysDir(), cfg.Auth.ActiveKeyID)
	if err != nil {
		fatalStartup(logger, rec, "E_KEYRING_LOAD", err)
	}
	if created {
		logger.Info("signing key generated", "key_id", keyring.ActiveKeyID(), "dir", cfg.KeysDir())
		rec.Record(ctx, audit.Entry{Decision: audit.DecisionAllow, Action: "keys.generated", Subject: keyring.ActiveKeyID()})
	}
	logger.Info("startup phase", "phase", "keyring_loaded", "active_key", keyring.ActiveKeyID(), "keys", keyring.KeyIDs())

	claims, err := claim.New(claim.Config{
		Store:      store,
		StaleAfter: cfg.StaleAfter(),
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		fatalStartup(logger, rec, "E_CLAIM_INIT", err)
	}
	handler := threadchat.NewHandler(store, logger)

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		fatalStartup(logger, rec, "E_PUBLISHER_INIT", err)
	}
	if publisher == nil {
		logger.Info("github token not configured; PR label publication disabled")
	}

	runner := coordinator.NewRunner(coordinator.RunnerConfig{
		Store:         store,
		Publication:   coordinator.NewPublicationCoordinator(store, publisher, eventBus, logger),
		MaxIterations: cfg.Sweeper.MaxIterations,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        otelProvider.Tracer,
	})
	waiter := coordinator.NewWaiter(eventBus, store)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:             store,
		Runner:            runner,
		Schedule:          cfg.Sweeper.Schedule,
		RetentionSchedule: cfg.Sweeper.RetentionSchedule,
		Retention: cron.Retention{
			AuditLogDays: cfg.Retention.AuditLogDays,
			MessagesDays: cfg.Retention.MessagesDays,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		fatalStartup(logger, rec, "E_SWEEPER_INIT", err)
	}

	// Committed rows left by a previous process are applied before intake.
	res, err := sweeper.CatchUp(ctx)
	if err != nil {
		fatalStartup(logger, rec, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"loops", res.Loops, "applied", res.Applied, "failed", res.Failed)

	auditDone := rec.Follow(ctx, eventBus)

	policy := envelope.NewLivePolicy(cfg.CapabilityPolicy())
	watcher := config.NewWatcher(cfg.HomeDir, logger, func(next config.Config) {
		policy.Set(next.CapabilityPolicy())
		levelVar.Set(telemetry.ParseLevel(next.LogLevel))
		rec.Record(ctx, audit.Entry{
			Decision: audit.DecisionAllow,
			Action:   "config.reloaded",
			Reason:   next.Fingerprint(),
			Policy:   string(next.CapabilityPolicy()),
		})
	})
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, rec, "E_CONFIG_WATCHER_START", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "policy", policy.Load())

	hub := realtime.NewHub(eventBus, cfg.AllowOrigins, logger)
	hub.Start(ctx)

	gw := gateway.New(gateway.Config{
		Store:             store,
		Claims:            claims,
		Handler:           handler,
		Runner:            runner,
		Waiter:            waiter,
		Keyring:           keyring,
		Policy:            policy,
		Audit:             rec,
		Hub:               hub,
		Telemetry:         otelProvider,
		Metrics:           metrics,
		Logger:            logger,
		OperatorKey:       operatorKey,
		StrictRunContext:  cfg.StrictRunContext(),
		TokenTTL:          cfg.TokenTTL(),
		RateLimit:         cfg.RateLimit,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	gw.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, rec, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, rec, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sweeper.Start(ctx)
	logger.Info("startup phase", "phase", "sweeper_started",
		"schedule", cfg.Sweeper.Schedule, "retention_schedule", cfg.Sweeper.RetentionSchedule)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Intake stops first; background ticks then get the drain window.
	drain := cfg.DrainTimeout()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Close()
	drainBackground(shutdownCtx, sweeper, runner, logger)
	stop()
	<-auditDone
	logger.Info("shutdown complete")
	return nil
}

type sweeperStopper interface {
	Stop(ctx context.Context) error
}

type runnerCloser interface {
	Close(ctx context.Context) error
}

// drainBackground stops the sweeper before closing the runner: a sweep in
// flight still calls Run, which must not outlive the runner's error log.
func drainBackground(ctx context.Context, sweeper sweeperStopper, runner runnerCloser, logger *slog.Logger) {
	if err := sweeper.Stop(ctx); err != nil {
		logger.Warn("sweeper stop", "error", err)
	}
	if err := runner.Close(ctx); err != nil {
		logger.Warn("runner drain incomplete", "error", err)
	}
}

// fatalStartup writes a structured failure with a reason code and exits.
func fatalStartup(logger *slog.Logger, rec *audit.Recorder, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	rec.Record(context.Background(), audit.Entry{
		Decision: audit.DecisionDeny,
		Action:   "runtime.startup",
		Reason:   reasonCode + ": " + message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// readOperatorKey returns the configured key, else the contents of
// <home>/operator.key. Empty means neither is set.
func readOperatorKey(cfg config.Config) string {
	if k := strings.TrimSpace(cfg.Auth.OperatorKey); k != "" {
		return k
	}
	b, err := os.ReadFile(filepath.Join(cfg.HomeDir, operatorKeyFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// loadOperatorKey is readOperatorKey, generating <home>/operator.key on
// first run.
func loadOperatorKey(cfg config.Config, logger *slog.Logger) (string, error) {
	if k := readOperatorKey(cfg); k != "" {
		return k, nil
	}
	path := filepath.Join(cfg.HomeDir, operatorKeyFile)
	key := uuid.NewString()
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist operator key: %w", err)
	}
	if logger != nil {
		logger.Info("operator key generated", "path", path)
	}
	return key, nil
}

// newPublisher returns the GitHub label publisher, or nil when no token is
// configured.
func newPublisher(cfg config.Config, logger *slog.Logger) (coordinator.Publisher, error) {
	if cfg.GitHub.Token == "" {
		return nil, nil
	}
	lp, err := github.New(github.Config{
		Token:      cfg.GitHub.Token,
		BaseURL:    cfg.GitHub.BaseURL,
		MaxRetries: uint64(cfg.GitHub.MaxRetries),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return lp, nil
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if pids := strings.TrimSpace(string(out)); err == nil && pids != "" {
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command
