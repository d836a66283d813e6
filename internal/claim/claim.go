// Package claim turns at-least-once daemon event delivery into at-most-once
// effect. Each event is claimed as a live signal-inbox row inside one
// transaction, handed to the downstream handler, and then committed or
// rolled back.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/otel"
	"github.com/basket/loopd/internal/persistence"
)

const (
	// CauseTypeDaemonTerminal tags inbox rows created from daemon events.
	CauseTypeDaemonTerminal = "daemon_terminal"
	// CauseIdentityVersion versions the dedup key scheme. Rows written under
	// an older scheme never collide with new ones.
	CauseIdentityVersion = 1
	// DefaultStaleAfter is how old a live claim must be before another
	// request may reclaim it.
	DefaultStaleAfter = 5 * time.Minute
)

// Kind names a claim result. The strings double as wire reasons.
type Kind string

const (
	KindClaimed    Kind = "claimed"
	KindDuplicate  Kind = "duplicate_event"
	KindInProgress Kind = "claim_in_progress"
	KindOutOfOrder Kind = "out_of_order_or_duplicate_seq"
)

// Result is the outcome of a claim attempt: one of Claimed, Duplicate,
// InProgress or OutOfOrder.
type Result interface {
	Kind() Kind
	sealed()
}

// Claimed means this request owns the event and must commit or roll back.
type Claimed struct {
	Ref       ClaimRef
	Reclaimed bool
}

// Duplicate means the event was already applied, or a concurrent request
// inserted it first.
type Duplicate struct{}

// InProgress means another request holds a live claim on the event.
type InProgress struct {
	ClaimAge time.Duration
}

// OutOfOrder means the run already recorded a seq at or above this one.
type OutOfOrder struct {
	MaxSeq int64
}

func (Claimed) Kind() Kind    { return KindClaimed }
func (Duplicate) Kind() Kind  { return KindDuplicate }
func (InProgress) Kind() Kind { return KindInProgress }
func (OutOfOrder) Kind() Kind { return KindOutOfOrder }

func (Claimed) sealed()    {}
func (Duplicate) sealed()  {}
func (InProgress) sealed() {}
func (OutOfOrder) sealed() {}

// ClaimRef identifies a live claim for Commit and Rollback.
type ClaimRef struct {
	EntryID string
	Key     persistence.DedupKey
}

// Request is one daemon event addressed to an enrolled loop.
type Request struct {
	LoopID       string
	Envelope     envelope.Envelope
	ThreadID     string
	ThreadChatID string
	// Signal is the loop signal derived from the event, empty when the
	// event carries none.
	Signal string
}

// Key is the dedup key of the request.
func (r Request) Key() persistence.DedupKey {
	return persistence.DedupKey{
		LoopID:               r.LoopID,
		CauseType:            CauseTypeDaemonTerminal,
		CanonicalCauseID:     r.Envelope.EventID,
		CauseIdentityVersion: CauseIdentityVersion,
	}
}

// Store is the slice of the persistence store the coordinator needs.
type Store interface {
	InTx(ctx context.Context, fn func(*persistence.Tx) error) error
	FindInboxEntry(ctx context.Context, key persistence.DedupKey) (*persistence.InboxEntry, error)
	CommitInboxEntry(ctx context.Context, id string, key persistence.DedupKey) (bool, error)
	DeleteLiveInboxEntry(ctx context.Context, id string, key persistence.DedupKey) (bool, error)
}

// Config configures a Coordinator. Store is required; the rest default.
type Config struct {
	Store      Store
	Mutex      NamedMutex
	StaleAfter time.Duration
	Bus        *bus.Bus
	Logger     *slog.Logger
	Metrics    *otel.Metrics
}

// Coordinator runs the claim, commit and rollback protocol.
type Coordinator struct {
	store      Store
	mutex      NamedMutex
	staleAfter time.Duration
	bus        *bus.Bus
	logger     *slog.Logger
	metrics    *otel.Metrics
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("claim: store is required")
	}
	c := &Coordinator{
		store:      cfg.Store,
		mutex:      cfg.Mutex,
		staleAfter: cfg.StaleAfter,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if c.mutex == nil {
		c.mutex = NewKeyedMutex()
	}
	if c.staleAfter <= 0 {
		c.staleAfter = DefaultStaleAfter
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// StaleAfter is the reclaim threshold in effect.
func (c *Coordinator) StaleAfter() time.Duration { return c.staleAfter }

// Claim decides, in one transaction serialized per (loop, run), whether req
// is new work for this request.
func (c *Coordinator) Claim(ctx context.Context, req Request) (Result, error) {
	if req.LoopID == "" || req.Envelope.EventID == "" || req.Envelope.RunID == "" {
		return nil, errors.New("claim: loop id, event id and run id are required")
	}
	key := req.Key()

	var res Result
	err := c.store.InTx(ctx, func(tx *persistence.Tx) error {
		// Hold the mutex until the transaction has ended.
		guard, err := c.mutex.Acquire(ctx, MutexKey(req.LoopID, req.Envelope.RunID))
		if err != nil {
			return fmt.Errorf("acquire claim mutex: %w", err)
		}
		tx.OnEnd(guard.Release)

		res, err = c.claimTx(ctx, tx, req, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch r := res.(type) {
	case Claimed:
		if r.Reclaimed {
			c.logger.Warn("reclaimed stale claim",
				"loop_id", req.LoopID, "event_id", key.CanonicalCauseID, "run_id", req.Envelope.RunID,
				"seq", req.Envelope.Seq, "entry_id", r.Ref.EntryID)
			if c.bus != nil {
				c.bus.Publish(bus.TopicInboxReclaimed, bus.InboxEvent{
					LoopID: req.LoopID, EntryID: r.Ref.EntryID,
					CauseType: key.CauseType, CanonicalCauseID: key.CanonicalCauseID,
				})
			}
		}
	case InProgress:
		c.logger.Info("daemon event claim in progress",
			"loop_id", req.LoopID, "event_id", key.CanonicalCauseID, "claim_age", r.ClaimAge)
	case Duplicate, OutOfOrder:
	}
	c.metrics.RecordClaim(ctx, string(res.Kind()))
	return res, nil
}

func (c *Coordinator) claimTx(ctx context.Context, tx *persistence.Tx, req Request, key persistence.DedupKey) (Result, error) {
	reclaimed := false
	existing, err := tx.FindInboxEntry(ctx, key)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
	case err != nil:
		return nil, err
	case existing.Terminal():
		return Duplicate{}, nil
	default:
		age := tx.Now().Sub(existing.ReceivedAt)
		if age < c.staleAfter {
			return InProgress{ClaimAge: age}, nil
		}
		deleted, err := tx.DeleteStaleClaim(ctx, key)
		if err != nil {
			return nil, err
		}
		if !deleted {
			return InProgress{ClaimAge: age}, nil
		}
		reclaimed = true
	}

	maxSeq, ok, err := tx.MaxRunSeq(ctx, req.LoopID, key.CauseType, req.Envelope.RunID)
	if err != nil {
		return nil, err
	}
	if ok && req.Envelope.Seq <= maxSeq {
		return OutOfOrder{MaxSeq: maxSeq}, nil
	}

	entry := &persistence.InboxEntry{
		DedupKey: key,
		Payload: persistence.InboxPayload{
			PayloadVersion: req.Envelope.PayloadVersion,
			EventID:        req.Envelope.EventID,
			RunID:          req.Envelope.RunID,
			Seq:            req.Envelope.Seq,
			ThreadID:       req.ThreadID,
			ThreadChatID:   req.ThreadChatID,
			Signal:         req.Signal,
		},
	}
	inserted, err := tx.InsertInboxEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return Duplicate{}, nil
	}
	return Claimed{Ref: ClaimRef{EntryID: entry.ID, Key: key}, Reclaimed: reclaimed}, nil
}
