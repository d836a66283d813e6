// Package cron runs the sweeper: periodic catch-up ticks for loops whose
// best-effort coordination was missed, and retention of processed rows.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/otel"
	"github.com/basket/loopd/internal/persistence"
)

const defaultConcurrency = 4

// Store is the persistence the sweeper reads.
type Store interface {
	LoopsWithPendingSignals(ctx context.Context) ([]string, error)
	LoopsAwaitingPublication(ctx context.Context) ([]string, error)
	RunRetention(ctx context.Context, auditLogDays, messageDays int) (persistence.RetentionResult, error)
}

// Runner runs coordination for one loop.
type Runner interface {
	Run(ctx context.Context, loopID, leaseOwner string) (coordinator.RunResult, error)
}

// Retention holds the purge windows in days; zero keeps everything.
type Retention struct {
	AuditLogDays int
	MessagesDays int
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Store  Store
	Runner Runner
	// Schedule drives catch-up ticks; RetentionSchedule drives retention.
	// Both accept standard cron specs and @every descriptors.
	Schedule          string
	RetentionSchedule string
	Retention         Retention
	// Concurrency bounds loops ticked in parallel per sweep.
	Concurrency int
	Logger      *slog.Logger
	Metrics     *otel.Metrics
}

// SweepResult summarizes one catch-up sweep.
type SweepResult struct {
	Loops     int
	Applied   int
	Published int
	Failed    int
}

// Sweeper owns a cron instance with the catch-up and retention jobs.
type Sweeper struct {
	store       Store
	runner      Runner
	retention   Retention
	concurrency int
	logger      *slog.Logger
	metrics     *otel.Metrics

	cron *cronlib.Cron

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewSweeper validates both schedules and registers the jobs. Nothing runs
// until Start.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil || cfg.Runner == nil {
		return nil, errors.New("sweeper: store and runner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:       cfg.Store,
		runner:      cfg.Runner,
		retention:   cfg.Retention,
		concurrency: cfg.Concurrency,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.cron = cronlib.New(cronlib.WithChain(
		cronlib.Recover(cronLogger{logger}),
		cronlib.SkipIfStillRunning(cronLogger{logger}),
	))
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { _, _ = s.CatchUp(s.ctx()) }); err != nil {
		return nil, fmt.Errorf("sweeper schedule %q: %w", cfg.Schedule, err)
	}
	if _, err := s.cron.AddFunc(cfg.RetentionSchedule, func() { _, _ = s.Retain(s.ctx()) }); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.RetentionSchedule, err)
	}
	return s, nil
}

func (s *Sweeper) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Start runs the scheduled jobs until Stop or until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	prev := s.cancel
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	prev()
	s.cron.Start()
	s.logger.Info("sweeper started", "jobs", len(s.cron.Entries()))
}

// Stop halts scheduling and waits for a running job until ctx is done, then
// cancels it.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stop sweeper: %w", ctx.Err())
	}
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.logger.Info("sweeper stopped")
	return err
}

// CatchUp ticks every loop with committed unprocessed signals or an
// unpublished publishable state. One loop failing does not stop the others.
func (s *Sweeper) CatchUp(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	pending, err := s.store.LoopsWithPendingSignals(ctx)
	if err != nil {
		return res, err
	}
	unpublished, err := s.store.LoopsAwaitingPublication(ctx)
	if err != nil {
		return res, err
	}
	ids := union(pending, unpublished)
	res.Loops = len(ids)
	if len(ids) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			out, err := s.runner.Run(gctx, id, coordinator.SweeperLeaseOwner())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				s.metrics.RecordTickFailure(gctx, "coordination", coordinator.TriggerSweeper)
				s.logger.Warn("sweeper tick failed", "loop_id", id, "error", err)
				return nil
			}
			res.Applied += out.Signals.Applied
			if out.Publication.Published != "" {
				res.Published++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("sweep complete",
		"loops", res.Loops, "applied", res.Applied, "published", res.Published, "failed", res.Failed)
	return res, ctx.Err()
}

// Retain purges rows outside the retention windows.
func (s *Sweeper) Retain(ctx context.Context) (persistence.RetentionResult, error) {
	res, err := s.store.RunRetention(ctx, s.retention.AuditLogDays, s.retention.MessagesDays)
	if err != nil {
		s.logger.Error("retention failed", "error", err)
		return res, err
	}
	s.logger.Info("retention complete",
		"purged_audit_log", res.PurgedAuditLog, "purged_messages", res.PurgedMessages)
	return res, nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
