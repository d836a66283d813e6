package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/google/uuid"
)

// RunStatus is the lifecycle of one agent invocation.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusDispatched RunStatus = "dispatched"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusStopped    RunStatus = "stopped"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusStopped
}

const (
	TransportLegacy = "legacy"
	TransportACP    = "acp"
)

// RunContext is one run_contexts row. Daemon tokens are cross-checked
// against it.
type RunContext struct {
	RunID            string    `json:"runId"`
	UserID           string    `json:"userId"`
	ThreadID         string    `json:"threadId"`
	ThreadChatID     string    `json:"threadChatId"`
	SandboxID        string    `json:"sandboxId"`
	Agent            string    `json:"agent"`
	TransportMode    string    `json:"transportMode"`
	ProtocolVersion  int       `json:"protocolVersion"`
	TokenNonce       string    `json:"tokenNonce,omitempty"`
	DaemonTokenKeyID string    `json:"daemonTokenKeyId,omitempty"`
	Status           RunStatus `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

const runColumns = `run_id, user_id, thread_id, thread_chat_id, sandbox_id, agent, transport_mode,
	protocol_version, token_nonce, daemon_token_key_id, status, created_at, updated_at`

func scanRun(scanFn func(dest ...any) error) (*RunContext, error) {
	var rc RunContext
	var status string
	if err := scanFn(&rc.RunID, &rc.UserID, &rc.ThreadID, &rc.ThreadChatID, &rc.SandboxID, &rc.Agent,
		&rc.TransportMode, &rc.ProtocolVersion, &rc.TokenNonce, &rc.DaemonTokenKeyID, &status,
		&rc.CreatedAt, &rc.UpdatedAt); err != nil {
		return nil, err
	}
	rc.Status = RunStatus(status)
	rc.CreatedAt = rc.CreatedAt.UTC()
	rc.UpdatedAt = rc.UpdatedAt.UTC()
	return &rc, nil
}

// CreateRunContext inserts a pending run. RunID is generated when empty.
func (s *Store) CreateRunContext(ctx context.Context, rc *RunContext) error {
	if rc.ThreadID == "" || rc.UserID == "" || rc.Agent == "" {
		return errors.New("create run context: user, thread and agent are required")
	}
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if rc.TransportMode == "" {
		rc.TransportMode = TransportLegacy
	}
	if rc.ProtocolVersion == 0 {
		rc.ProtocolVersion = 1
	}
	rc.Status = RunStatusPending
	now := s.Now()
	rc.CreatedAt, rc.UpdatedAt = now, now

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_contexts (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?);
		`, rc.RunID, rc.UserID, rc.ThreadID, rc.ThreadChatID, rc.SandboxID, rc.Agent, rc.TransportMode,
			rc.ProtocolVersion, string(rc.Status), now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("create run context: %w", err)
	}
	return nil
}

// GetRunContext loads a run by id.
func (s *Store) GetRunContext(ctx context.Context, runID string) (*RunContext, error) {
	rc, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_contexts WHERE run_id = ?;`, runID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run context: %w", err)
	}
	return rc, nil
}

// MarkRunDispatched binds a minted token to a pending run and moves it to
// dispatched. ErrConflict means the run was not pending.
func (s *Store) MarkRunDispatched(ctx context.Context, runID, nonce, keyID string) error {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE run_contexts SET status = ?, token_nonce = ?, daemon_token_key_id = ?, updated_at = ?
			WHERE run_id = ? AND status = ?;
		`, string(RunStatusDispatched), nonce, keyID, s.Now(), runID, string(RunStatusPending))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark run dispatched: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s is not pending: %w", runID, ErrConflict)
	}
	s.publish(bus.TopicRunStatus, bus.RunStatusEvent{RunID: runID, Status: string(RunStatusDispatched)})
	return nil
}

// FinishRun moves a live run to a terminal status. Finishing an already
// finished run is a no-op and reports false.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish run: %q is not a terminal status", status)
	}
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE run_contexts SET status = ?, updated_at = ?
			WHERE run_id = ? AND status IN (?, ?);
		`, string(status), s.Now(), runID, string(RunStatusPending), string(RunStatusDispatched))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	if n > 0 {
		s.publish(bus.TopicRunStatus, bus.RunStatusEvent{RunID: runID, Status: string(status)})
	}
	return n > 0, nil
}
