package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/loopd/internal/persistence"
)

// ErrClaimLost means the claimed row vanished or stayed live before commit.
// The effect may have been applied, but this request cannot confirm it.
var ErrClaimLost = errors.New("claim lost")

// CommitOutcome is the result of a successful Commit.
type CommitOutcome string

const (
	CommittedNow     CommitOutcome = "committed_now"
	AlreadyCommitted CommitOutcome = "already_committed_or_processed"
)

// Commit marks the claim as applied. When the conditional update matches
// nothing the row is re-read by its dedup key: a terminal row means another
// request finished the job; anything else is ErrClaimLost.
func (c *Coordinator) Commit(ctx context.Context, ref ClaimRef) (CommitOutcome, error) {
	ok, err := c.store.CommitInboxEntry(ctx, ref.EntryID, ref.Key)
	if err != nil {
		c.metrics.RecordCommit(ctx, "error")
		return "", err
	}
	if ok {
		c.metrics.RecordCommit(ctx, string(CommittedNow))
		return CommittedNow, nil
	}

	entry, err := c.store.FindInboxEntry(ctx, ref.Key)
	switch {
	case err == nil && entry.Terminal():
		c.metrics.RecordCommit(ctx, string(AlreadyCommitted))
		return AlreadyCommitted, nil
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		c.metrics.RecordCommit(ctx, "error")
		return "", fmt.Errorf("re-read claim: %w", err)
	}
	c.metrics.RecordCommit(ctx, "claim_lost")
	c.logger.Error("daemon event claim lost",
		"loop_id", ref.Key.LoopID, "event_id", ref.Key.CanonicalCauseID, "entry_id", ref.EntryID)
	return "", fmt.Errorf("commit %s: %w", ref.EntryID, ErrClaimLost)
}

// Rollback deletes the live claim so a retry can reclaim it. A claim that is
// already gone or terminal is left alone and reported as false.
func (c *Coordinator) Rollback(ctx context.Context, ref ClaimRef) (bool, error) {
	deleted, err := c.store.DeleteLiveInboxEntry(ctx, ref.EntryID, ref.Key)
	if err != nil {
		return false, fmt.Errorf("rollback %s: %w", ref.EntryID, err)
	}
	return deleted, nil
}
