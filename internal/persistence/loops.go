package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/loop"
	"github.com/google/uuid"
)

// Loop is one sdlc_loops row.
type Loop struct {
	ID             string     `json:"id"`
	ThreadID       string     `json:"threadId"`
	Repo           string     `json:"repo,omitempty"`
	PRNumber       int        `json:"prNumber,omitempty"`
	State          loop.State `json:"state"`
	LoopVersion    int64      `json:"loopVersion"`
	VideoRequired  bool       `json:"videoRequired"`
	PublishedState string     `json:"publishedState,omitempty"`
	LeaseOwner     string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Snapshot is the state machine's view of the loop.
func (l *Loop) Snapshot() loop.Snapshot {
	return loop.Snapshot{State: l.State, PRNumber: l.PRNumber, VideoRequired: l.VideoRequired}
}

const loopColumns = `id, thread_id, repo, pr_number, state, loop_version, video_required,
	published_state, lease_owner, lease_expires_at, created_at, updated_at`

func scanLoop(scanFn func(dest ...any) error) (*Loop, error) {
	var (
		l          Loop
		state      string
		video      int
		leaseOwner sql.NullString
		leaseExp   sql.NullTime
	)
	if err := scanFn(&l.ID, &l.ThreadID, &l.Repo, &l.PRNumber, &state, &l.LoopVersion, &video,
		&l.PublishedState, &leaseOwner, &leaseExp, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.State = loop.State(state)
	l.VideoRequired = video != 0
	l.LeaseOwner = leaseOwner.String
	l.LeaseExpiresAt = nullTimePtr(leaseExp)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// CreateLoop enrolls a loop in the enrolled state. ID is generated when empty.
func (s *Store) CreateLoop(ctx context.Context, l *Loop) error {
	if l.ThreadID == "" {
		return errors.New("create loop: thread id is required")
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.State == "" {
		l.State = loop.StateEnrolled
	}
	now := s.Now()
	l.CreatedAt, l.UpdatedAt = now, now
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sdlc_loops (id, thread_id, repo, pr_number, state, loop_version, video_required,
				published_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?);
		`, l.ID, l.ThreadID, l.Repo, l.PRNumber, string(l.State), boolToInt(l.VideoRequired), now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("create loop: %w", err)
	}
	s.publish(bus.TopicLoopEnrolled, bus.LoopTransitionEvent{LoopID: l.ID, To: string(l.State)})
	return nil
}

// GetLoop loads a loop by id.
func (s *Store) GetLoop(ctx context.Context, id string) (*Loop, error) {
	l, err := scanLoop(s.db.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM sdlc_loops WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get loop: %w", err)
	}
	return l, nil
}

// ActiveLoopForThread returns the newest non-terminal loop of a thread. A
// thread with such a loop is enrolled.
func (s *Store) ActiveLoopForThread(ctx context.Context, threadID string) (*Loop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+loopColumns+` FROM sdlc_loops
		WHERE thread_id = ?
		ORDER BY created_at DESC, id DESC;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("active loop for thread: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLoop(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		if !l.State.Terminal() {
			return l, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// ListActiveLoops returns every non-terminal loop.
func (s *Store) ListActiveLoops(ctx context.Context) ([]Loop, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+loopColumns+` FROM sdlc_loops ORDER BY created_at, id;`)
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	defer rows.Close()
	var out []Loop
	for rows.Next() {
		l, err := scanLoop(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		if !l.State.Terminal() {
			out = append(out, *l)
		}
	}
	return out, rows.Err()
}

// LoopsAwaitingPublication lists loops in a publishable state with a linked
// PR whose label does not reflect that state yet.
func (s *Store) LoopsAwaitingPublication(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+loopColumns+` FROM sdlc_loops
		WHERE pr_number > 0 AND repo != '' AND published_state != state
		ORDER BY id;
	`)
	if err != nil {
		return nil, fmt.Errorf("loops awaiting publication: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		l, err := scanLoop(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		if l.State.Publishable() {
			ids = append(ids, l.ID)
		}
	}
	return ids, rows.Err()
}

// AcquireLoopLease takes the tick lease of a loop for owner until ttl from
// now. It succeeds when the lease is free, expired, or already held by owner.
func (s *Store) AcquireLoopLease(ctx context.Context, loopID, owner string, ttl time.Duration) (bool, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		now := s.Now()
		res, err := s.db.ExecContext(ctx, `
			UPDATE sdlc_loops SET lease_owner = ?, lease_expires_at = ?
			WHERE id = ?
			  AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ? OR lease_owner = ?);
		`, owner, now.Add(ttl), loopID, now, owner)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire loop lease: %w", err)
	}
	return n > 0, nil
}

// ReleaseLoopLease drops the lease if owner still holds it.
func (s *Store) ReleaseLoopLease(ctx context.Context, loopID, owner string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sdlc_loops SET lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND lease_owner = ?;
		`, loopID, owner)
		return err
	})
	if err != nil {
		return fmt.Errorf("release loop lease: %w", err)
	}
	return nil
}

// LoopUpdate is a state machine outcome to persist.
type LoopUpdate struct {
	LoopID          string
	ExpectedVersion int64
	From            loop.State
	Outcome         loop.Outcome
	Signal          loop.SignalKind
	EntryID         string
}

// ApplyLoopSignal persists a transition and stamps the inbox row processed in
// one transaction. The loop write is a compare-and-swap on loop_version;
// ErrConflict means another writer advanced the loop first.
func (s *Store) ApplyLoopSignal(ctx context.Context, u LoopUpdate) (int64, error) {
	newVersion := u.ExpectedVersion + 1
	err := s.InTx(ctx, func(t *Tx) error {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE sdlc_loops SET state = ?, pr_number = ?, loop_version = ?, updated_at = ?
			WHERE id = ? AND loop_version = ?;
		`, string(u.Outcome.State), u.Outcome.PRNumber, newVersion, t.now, u.LoopID, u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update loop: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("loop %s at version %d: %w", u.LoopID, u.ExpectedVersion, ErrConflict)
		}
		if err := markProcessedTx(ctx, t, u.EntryID, ""); err != nil {
			return err
		}
		t.AfterCommit(func() {
			s.publish(bus.TopicLoopTransition, bus.LoopTransitionEvent{
				LoopID:      u.LoopID,
				From:        string(u.From),
				To:          string(u.Outcome.State),
				Signal:      string(u.Signal),
				LoopVersion: newVersion,
				EntryID:     u.EntryID,
			})
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// MarkPublished records state as the last state reflected on the PR. It
// reports false when state was already recorded.
func (s *Store) MarkPublished(ctx context.Context, loopID string, state loop.State) (bool, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sdlc_loops SET published_state = ?, updated_at = ?
			WHERE id = ? AND published_state != ?;
		`, string(state), s.Now(), loopID, string(state))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	return n > 0, nil
}
