// Package coordinator advances loops from their committed signal inbox and
// reflects the resulting state onto the linked pull request. All of it is
// best effort: a failed tick leaves the inbox untouched for the next one.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/loopd/internal/loop"
	"github.com/basket/loopd/internal/otel"
	"github.com/basket/loopd/internal/persistence"
	"github.com/google/uuid"
)

const (
	// DefaultLeaseTTL bounds how long a crashed ticker can hold a loop.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultBatch is how many inbox rows one tick reads.
	DefaultBatch = 50
)

// Lease owner tokens name the trigger of a tick.
func CommitLeaseOwner(eventID string, seq int64) string {
	return fmt.Sprintf("daemon-event:%s:%d", eventID, seq)
}

func DedupLeaseOwner(eventID string, seq int64) string {
	return fmt.Sprintf("daemon-event-dedup:%s:%d", eventID, seq)
}

func SweeperLeaseOwner() string {
	return "sweeper:" + uuid.NewString()
}

// TickRequest is the input of both ticks.
type TickRequest struct {
	LoopID          string
	LeaseOwnerToken string
	Guardrail       loop.Guardrail
}

// Skip reasons reported when a tick did nothing.
const (
	SkipLeaseHeld         = "lease_held"
	SkipNotPublishable    = "not_publishable"
	SkipNoPullRequest     = "no_pull_request"
	SkipAlreadyPublished  = "already_published"
	SkipPublisherDisabled = "publisher_disabled"
)

// Store is the persistence both ticks use.
type Store interface {
	Now() time.Time
	GetLoop(ctx context.Context, id string) (*persistence.Loop, error)
	AcquireLoopLease(ctx context.Context, loopID, owner string, ttl time.Duration) (bool, error)
	ReleaseLoopLease(ctx context.Context, loopID, owner string) error
	ListPendingSignals(ctx context.Context, loopID string, limit int) ([]persistence.InboxEntry, error)
	MarkInboxProcessed(ctx context.Context, id, note string) (bool, error)
	ApplyLoopSignal(ctx context.Context, u persistence.LoopUpdate) (int64, error)
	MarkPublished(ctx context.Context, loopID string, state loop.State) (bool, error)
}

// SignalResult summarizes one signal tick.
type SignalResult struct {
	Applied int
	// Discarded rows were processed without a transition.
	Discarded int
	State     loop.State
	Skipped   string
}

// SignalTicker folds committed inbox rows into loop state.
type SignalTicker struct {
	store    Store
	leaseTTL time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *otel.Metrics
}

func NewSignalTicker(store Store, logger *slog.Logger, metrics *otel.Metrics) *SignalTicker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalTicker{store: store, leaseTTL: DefaultLeaseTTL, batch: DefaultBatch, logger: logger, metrics: metrics}
}

// withLease runs f while holding the loop's tick lease.
func withLease(ctx context.Context, store Store, ttl time.Duration, req TickRequest, f func() error) (bool, error) {
	ok, err := store.AcquireLoopLease(ctx, req.LoopID, req.LeaseOwnerToken, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = store.ReleaseLoopLease(context.WithoutCancel(ctx), req.LoopID, req.LeaseOwnerToken)
	}()
	return true, f()
}

// Tick applies pending signals of req.LoopID in arrival order.
func (t *SignalTicker) Tick(ctx context.Context, req TickRequest) (SignalResult, error) {
	var res SignalResult
	if reason := req.Guardrail.Blocked(t.store.Now()); reason != "" {
		res.Skipped = reason
		return res, nil
	}

	held, err := withLease(ctx, t.store, t.leaseTTL, req, func() error {
		l, err := t.store.GetLoop(ctx, req.LoopID)
		if err != nil {
			return err
		}
		entries, err := t.store.ListPendingSignals(ctx, req.LoopID, t.batch)
		if err != nil {
			return err
		}
		guard := req.Guardrail
		for _, e := range entries {
			guard.Iteration = l.LoopVersion
			if reason := guard.Blocked(t.store.Now()); reason != "" {
				res.Skipped = reason
				break
			}
			next, applied, err := t.apply(ctx, l, e)
			if err != nil {
				return err
			}
			if applied {
				res.Applied++
				l = next
			} else {
				res.Discarded++
			}
		}
		res.State = l.State
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("signal tick %s: %w", req.LoopID, err)
	}
	if !held {
		res.Skipped = SkipLeaseHeld
	}
	return res, nil
}

// apply folds one row into l. Rows that cannot transition the loop are
// stamped processed with a note so they are never retried.
func (t *SignalTicker) apply(ctx context.Context, l *persistence.Loop, e persistence.InboxEntry) (*persistence.Loop, bool, error) {
	discard := func(note string) (*persistence.Loop, bool, error) {
		if _, err := t.store.MarkInboxProcessed(ctx, e.ID, note); err != nil {
			return nil, false, err
		}
		t.logger.Debug("inbox entry discarded", "loop_id", l.ID, "entry_id", e.ID, "note", note)
		return l, false, nil
	}

	if e.Payload.Signal == "" {
		return discard("no signal")
	}
	kind, err := loop.ParseSignalKind(e.Payload.Signal)
	if err != nil {
		return discard(err.Error())
	}
	out, err := loop.Transition(l.Snapshot(), loop.Signal{Kind: kind, PRNumber: e.Payload.PRNumber})
	if err != nil {
		return discard(err.Error())
	}

	version, err := t.store.ApplyLoopSignal(ctx, persistence.LoopUpdate{
		LoopID:          l.ID,
		ExpectedVersion: l.LoopVersion,
		From:            l.State,
		Outcome:         out,
		Signal:          kind,
		EntryID:         e.ID,
	})
	if err != nil {
		// ErrConflict: another writer moved the loop; the next tick rereads it.
		return nil, false, err
	}
	t.metrics.RecordTransition(ctx, string(kind), string(out.State))
	t.logger.Info("loop transition",
		"loop_id", l.ID, "from", l.State, "to", out.State, "signal", kind, "loop_version", version)

	next := *l
	next.State = out.State
	next.PRNumber = out.PRNumber
	next.LoopVersion = version
	return &next, true, nil
}
