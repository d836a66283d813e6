package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/google/uuid"
)

// DedupKey identifies one cause on one loop. The table carries a unique
// index over it.
type DedupKey struct {
	LoopID               string `json:"loopId"`
	CauseType            string `json:"causeType"`
	CanonicalCauseID     string `json:"canonicalCauseId"`
	CauseIdentityVersion int    `json:"causeIdentityVersion"`
}

// InboxPayload is the structured copy stored with every inbox row. Seq and
// RunID feed the per-run ordering check; Signal is what the ticker applies.
type InboxPayload struct {
	PayloadVersion int    `json:"payloadVersion,omitempty"`
	EventID        string `json:"eventId,omitempty"`
	RunID          string `json:"runId,omitempty"`
	Seq            int64  `json:"seq"`
	ThreadID       string `json:"threadId,omitempty"`
	ThreadChatID   string `json:"threadChatId,omitempty"`
	Signal         string `json:"signal,omitempty"`
	PRNumber       int    `json:"prNumber,omitempty"`
}

// InboxEntry is one signal_inbox row.
type InboxEntry struct {
	ID string `json:"id"`
	DedupKey
	Payload     InboxPayload `json:"payload"`
	ReceivedAt  time.Time    `json:"receivedAt"`
	CommittedAt *time.Time   `json:"committedAt,omitempty"`
	ProcessedAt *time.Time   `json:"processedAt,omitempty"`
	Note        string       `json:"note,omitempty"`
}

// Terminal reports whether the row's effect is applied. Terminal rows are
// never deleted or reclaimed.
func (e *InboxEntry) Terminal() bool {
	return e.CommittedAt != nil || e.ProcessedAt != nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const inboxColumns = `id, loop_id, cause_type, canonical_cause_id, cause_identity_version,
	payload_json, received_at, committed_at, processed_at, note`

func scanInboxEntry(scanFn func(dest ...any) error) (*InboxEntry, error) {
	var (
		e           InboxEntry
		payload     string
		committedAt sql.NullTime
		processedAt sql.NullTime
	)
	if err := scanFn(&e.ID, &e.LoopID, &e.CauseType, &e.CanonicalCauseID, &e.CauseIdentityVersion,
		&payload, &e.ReceivedAt, &committedAt, &processedAt, &e.Note); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("decode inbox payload %s: %w", e.ID, err)
	}
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.CommittedAt = nullTimePtr(committedAt)
	e.ProcessedAt = nullTimePtr(processedAt)
	return &e, nil
}

func findInboxEntry(ctx context.Context, q rowQueryer, key DedupKey) (*InboxEntry, error) {
	e, err := scanInboxEntry(q.QueryRowContext(ctx, `
		SELECT `+inboxColumns+`
		FROM signal_inbox
		WHERE loop_id = ? AND cause_type = ? AND canonical_cause_id = ? AND cause_identity_version = ?;
	`, key.LoopID, key.CauseType, key.CanonicalCauseID, key.CauseIdentityVersion).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find inbox entry: %w", err)
	}
	return e, nil
}

// FindInboxEntry looks up the row for key inside the transaction.
func (t *Tx) FindInboxEntry(ctx context.Context, key DedupKey) (*InboxEntry, error) {
	return findInboxEntry(ctx, t.tx, key)
}

// DeleteStaleClaim removes the live row for key. It matches nothing once
// either timestamp is set, so a claimant that committed in the meantime keeps
// its row.
func (t *Tx) DeleteStaleClaim(ctx context.Context, key DedupKey) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM signal_inbox
		WHERE loop_id = ? AND cause_type = ? AND canonical_cause_id = ? AND cause_identity_version = ?
		  AND committed_at IS NULL AND processed_at IS NULL;
	`, key.LoopID, key.CauseType, key.CanonicalCauseID, key.CauseIdentityVersion)
	if err != nil {
		return false, fmt.Errorf("delete stale claim: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MaxRunSeq returns the highest seq among rows of loopID and causeType whose
// payload carries runID. ok is false when there are none.
func (t *Tx) MaxRunSeq(ctx context.Context, loopID, causeType, runID string) (seq int64, ok bool, err error) {
	var maxSeq sql.NullInt64
	if err := t.tx.QueryRowContext(ctx, `
		SELECT MAX(CAST(json_extract(payload_json, '$.seq') AS INTEGER))
		FROM signal_inbox
		WHERE loop_id = ? AND cause_type = ? AND json_extract(payload_json, '$.runId') = ?;
	`, loopID, causeType, runID).Scan(&maxSeq); err != nil {
		return 0, false, fmt.Errorf("max run seq: %w", err)
	}
	return maxSeq.Int64, maxSeq.Valid, nil
}

// InsertInboxEntry writes e unless a row with the same dedup key exists.
// It fills ID and ReceivedAt when empty and reports whether a row was added.
func (t *Tx) InsertInboxEntry(ctx context.Context, e *InboxEntry) (bool, error) {
	return insertInboxEntry(ctx, t.tx, t.now, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertInboxEntry(ctx context.Context, db execer, now time.Time, e *InboxEntry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("encode inbox payload: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO signal_inbox (id, loop_id, cause_type, canonical_cause_id, cause_identity_version,
			payload_json, received_at, committed_at, processed_at, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '')
		ON CONFLICT(loop_id, cause_type, canonical_cause_id, cause_identity_version) DO NOTHING;
	`, e.ID, e.LoopID, e.CauseType, e.CanonicalCauseID, e.CauseIdentityVersion,
		string(payload), e.ReceivedAt.UTC(), e.CommittedAt)
	if err != nil {
		return false, fmt.Errorf("insert inbox entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FindInboxEntry looks up the row for key.
func (s *Store) FindInboxEntry(ctx context.Context, key DedupKey) (*InboxEntry, error) {
	return findInboxEntry(ctx, s.db, key)
}

// GetInboxEntry loads a row by id.
func (s *Store) GetInboxEntry(ctx context.Context, id string) (*InboxEntry, error) {
	e, err := scanInboxEntry(s.db.QueryRowContext(ctx, `
		SELECT `+inboxColumns+` FROM signal_inbox WHERE id = ?;
	`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox entry: %w", err)
	}
	return e, nil
}

// CommitInboxEntry stamps committed_at on the live row id. It reports false
// when the row is gone or no longer live.
func (s *Store) CommitInboxEntry(ctx context.Context, id string, key DedupKey) (bool, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE signal_inbox SET committed_at = ?
			WHERE id = ? AND loop_id = ? AND canonical_cause_id = ? AND cause_identity_version = ?
			  AND committed_at IS NULL AND processed_at IS NULL;
		`, s.Now(), id, key.LoopID, key.CanonicalCauseID, key.CauseIdentityVersion)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("commit inbox entry: %w", err)
	}
	if n > 0 {
		s.publish(bus.TopicInboxCommitted, bus.InboxEvent{
			LoopID: key.LoopID, EntryID: id, CauseType: key.CauseType, CanonicalCauseID: key.CanonicalCauseID,
		})
	}
	return n > 0, nil
}

// DeleteLiveInboxEntry removes the live row id, making its cause claimable
// again. Terminal rows are never touched.
func (s *Store) DeleteLiveInboxEntry(ctx context.Context, id string, key DedupKey) (bool, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM signal_inbox
			WHERE id = ? AND loop_id = ? AND canonical_cause_id = ? AND cause_identity_version = ?
			  AND committed_at IS NULL AND processed_at IS NULL;
		`, id, key.LoopID, key.CanonicalCauseID, key.CauseIdentityVersion)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete live inbox entry: %w", err)
	}
	if n > 0 {
		s.publish(bus.TopicInboxRolledBack, bus.InboxEvent{
			LoopID: key.LoopID, EntryID: id, CauseType: key.CauseType, CanonicalCauseID: key.CanonicalCauseID,
		})
	}
	return n > 0, nil
}

// EnqueueCommittedSignal inserts an already committed row for causes whose
// effect is the signal itself (CI, review, operator input). It reports false
// when the cause was already recorded.
func (s *Store) EnqueueCommittedSignal(ctx context.Context, e *InboxEntry) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		now := s.Now()
		e.CommittedAt = &now
		var err error
		inserted, err = insertInboxEntry(ctx, s.db, now, e)
		return err
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.publish(bus.TopicInboxCommitted, bus.InboxEvent{
			LoopID: e.LoopID, EntryID: e.ID, CauseType: e.CauseType, CanonicalCauseID: e.CanonicalCauseID,
		})
	}
	return inserted, nil
}

func (s *Store) listInbox(ctx context.Context, where string, args ...any) ([]InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+inboxColumns+` FROM signal_inbox WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxEntry
	for rows.Next() {
		e, err := scanInboxEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// ListInbox returns the newest rows of a loop first.
func (s *Store) ListInbox(ctx context.Context, loopID string, limit int) ([]InboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listInbox(ctx, `loop_id = ? ORDER BY received_at DESC, id DESC LIMIT ?;`, loopID, limit)
}

// ListPendingSignals returns committed, unprocessed rows of a loop in
// arrival order.
func (s *Store) ListPendingSignals(ctx context.Context, loopID string, limit int) ([]InboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listInbox(ctx, `loop_id = ? AND committed_at IS NOT NULL AND processed_at IS NULL
		ORDER BY received_at ASC, id ASC LIMIT ?;`, loopID, limit)
}

// LoopsWithPendingSignals lists loops that have committed, unprocessed rows.
func (s *Store) LoopsWithPendingSignals(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT loop_id FROM signal_inbox
		WHERE committed_at IS NOT NULL AND processed_at IS NULL
		ORDER BY loop_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("loops with pending signals: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkInboxProcessed stamps processed_at with a note, for rows the ticker
// consumed without a transition.
func (s *Store) MarkInboxProcessed(ctx context.Context, id, note string) (bool, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE signal_inbox SET processed_at = ?, note = ?
			WHERE id = ? AND committed_at IS NOT NULL AND processed_at IS NULL;
		`, s.Now(), note, id)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark inbox processed: %w", err)
	}
	return n > 0, nil
}

func markProcessedTx(ctx context.Context, t *Tx, id, note string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE signal_inbox SET processed_at = ?, note = ?
		WHERE id = ? AND committed_at IS NOT NULL AND processed_at IS NULL;
	`, t.now, note, id)
	if err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inbox entry %s: %w", id, ErrConflict)
	}
	return nil
}
