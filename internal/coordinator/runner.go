package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/loopd/internal/loop"
	"github.com/basket/loopd/internal/otel"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

// Triggers name why a tick ran.
const (
	TriggerPostCommit = "post_commit"
	TriggerDedupAck   = "dedup_ack"
	TriggerSweeper    = "sweeper"
	TriggerSignalAPI  = "signal_api"
)

const defaultErrBuffer = 64

// TickError is a failed background tick.
type TickError struct {
	LoopID  string
	Trigger string
	Err     error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("%s tick for loop %s: %v", e.Trigger, e.LoopID, e.Err)
}

func (e *TickError) Unwrap() error { return e.Err }

// RunResult is the outcome of ticker then publisher for one loop.
type RunResult struct {
	Signals     SignalResult
	Publication PublishResult
}

// RunnerConfig configures a Runner. Store is required.
type RunnerConfig struct {
	Store         Store
	Ticker        *SignalTicker
	Publication   *PublicationCoordinator
	MaxIterations int64
	Logger        *slog.Logger
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
	// ErrBuffer bounds queued background failures; overflow is dropped.
	ErrBuffer int
}

// Runner runs best-effort coordination for a loop, either awaited or on a
// tracked goroutine. Concurrent runs for the same loop share one execution.
type Runner struct {
	store         Store
	ticker        *SignalTicker
	publication   *PublicationCoordinator
	maxIterations int64
	logger        *slog.Logger
	metrics       *otel.Metrics
	tracer        trace.Tracer

	group singleflight.Group
	errs  chan *TickError

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	drained chan struct{}
}

func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		store:         cfg.Store,
		ticker:        cfg.Ticker,
		publication:   cfg.Publication,
		maxIterations: cfg.MaxIterations,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		drained:       make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if r.ticker == nil {
		r.ticker = NewSignalTicker(cfg.Store, r.logger, r.metrics)
	}
	if r.publication == nil {
		r.publication = NewPublicationCoordinator(cfg.Store, nil, nil, r.logger)
	}
	buf := cfg.ErrBuffer
	if buf <= 0 {
		buf = defaultErrBuffer
	}
	r.errs = make(chan *TickError, buf)
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	go r.drain()
	return r
}

func (r *Runner) drain() {
	defer close(r.drained)
	for te := range r.errs {
		r.metrics.RecordTickFailure(context.Background(), "coordination", te.Trigger)
		r.logger.Warn("best-effort tick failed", "loop_id", te.LoopID, "trigger", te.Trigger, "error", te.Err)
	}
}

// Run ticks signals then publication for loopID and waits for both.
//
// A shared result may come from a run that listed the inbox before the
// caller's row was written, so a caller that joined another run goes once
// more. The second run started after the first finished.
func (r *Runner) Run(ctx context.Context, loopID, leaseOwner string) (RunResult, error) {
	res, shared, err := r.await(ctx, loopID, leaseOwner)
	if shared && err == nil {
		res, _, err = r.await(ctx, loopID, leaseOwner)
	}
	return res, err
}

// await starts or joins the run for loopID. The run keeps the values of the
// ctx that started it but not its cancellation, so a leader that gives up
// does not fail its joiners; Close still cancels it. Each caller's ctx only
// bounds its own wait.
func (r *Runner) await(ctx context.Context, loopID, leaseOwner string) (RunResult, bool, error) {
	ch := r.group.DoChan(loopID, func() (any, error) {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(r.baseCtx, cancel)
		defer stop()
		return r.run(fctx, loopID, leaseOwner)
	})
	select {
	case out := <-ch:
		res, _ := out.Val.(RunResult)
		return res, out.Shared, out.Err
	case <-ctx.Done():
		return RunResult{}, false, ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, loopID, leaseOwner string) (RunResult, error) {
	var res RunResult
	l, err := r.store.GetLoop(ctx, loopID)
	if err != nil {
		return res, fmt.Errorf("load loop %s: %w", loopID, err)
	}
	req := TickRequest{
		LoopID:          loopID,
		LeaseOwnerToken: leaseOwner,
		Guardrail:       loop.GuardrailFor(l.LoopVersion, r.maxIterations),
	}

	sctx, span := otel.StartSpan(ctx, r.tracer, "tick.signals",
		otel.AttrLoopID.String(loopID), otel.AttrLeaseOwner.String(leaseOwner))
	res.Signals, err = r.ticker.Tick(sctx, req)
	otel.EndSpan(span, err)
	if err != nil {
		return res, err
	}

	// The publisher sees the loop as the ticker left it.
	req.Guardrail = loop.GuardrailFor(l.LoopVersion+int64(res.Signals.Applied), r.maxIterations)
	pctx, span := otel.StartSpan(ctx, r.tracer, "tick.publish",
		otel.AttrLoopID.String(loopID), otel.AttrLeaseOwner.String(leaseOwner))
	res.Publication, err = r.publication.Tick(pctx, req)
	otel.EndSpan(span, err)
	return res, err
}

// Spawn runs coordination for loopID on a tracked goroutine. Failures go
// to the error channel and never reach the caller.
func (r *Runner) Spawn(loopID, leaseOwner, trigger string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, span := otel.StartSpan(r.baseCtx, r.tracer, "tick",
			otel.AttrLoopID.String(loopID), otel.AttrTrigger.String(trigger))
		_, err := r.Run(ctx, loopID, leaseOwner)
		otel.EndSpan(span, err)
		if err != nil {
			r.report(&TickError{LoopID: loopID, Trigger: trigger, Err: err})
		}
	}()
}

func (r *Runner) report(te *TickError) {
	select {
	case r.errs <- te:
	default:
		r.logger.Error("tick error buffer full, dropping", "loop_id", te.LoopID, "trigger", te.Trigger, "error", te.Err)
	}
}

// Close stops accepting work, waits for spawned ticks until ctx is done,
// then cancels the rest and flushes the error log.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("drain best-effort ticks: %w", ctx.Err())
		r.cancel()
		<-done
	}
	r.cancel()
	close(r.errs)
	<-r.drained
	return err
}
