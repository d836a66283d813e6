package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLog int64 `json:"purged_audit_log"`
	PurgedMessages int64 `json:"purged_messages"`
}

// RunRetention deletes audit and message records older than the configured
// windows. A window of zero keeps everything. signal_inbox is never purged:
// its terminal rows are the dedup record for every event ever applied.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, messageDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.Now()

	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLog, _ = res.RowsAffected()
	}

	if messageDays > 0 {
		cutoff := now.AddDate(0, 0, -messageDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM thread_messages WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge thread_messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	return result, nil
}
