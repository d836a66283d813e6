package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ThreadMessage is one persisted daemon message.
type ThreadMessage struct {
	ID           int64           `json:"id"`
	ThreadID     string          `json:"threadId"`
	ThreadChatID string          `json:"threadChatId"`
	RunID        string          `json:"runId,omitempty"`
	MessageType  string          `json:"type"`
	Content      json.RawMessage `json:"content"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// AppendThreadMessages stores msgs in one transaction, in order.
func (s *Store) AppendThreadMessages(ctx context.Context, msgs []ThreadMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.InTx(ctx, func(t *Tx) error {
		for i := range msgs {
			m := &msgs[i]
			m.CreatedAt = t.now
			res, err := t.tx.ExecContext(ctx, `
				INSERT INTO thread_messages (thread_id, thread_chat_id, run_id, message_type, content_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?);
			`, m.ThreadID, m.ThreadChatID, m.RunID, m.MessageType, string(m.Content), t.now)
			if err != nil {
				return fmt.Errorf("insert thread message: %w", err)
			}
			m.ID, _ = res.LastInsertId()
		}
		return nil
	})
}

// ListThreadMessages returns the most recent messages of a thread, oldest
// first.
func (s *Store) ListThreadMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, thread_chat_id, run_id, message_type, content_json, created_at
		FROM (
			SELECT * FROM thread_messages WHERE thread_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	var out []ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		var content string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.ThreadChatID, &m.RunID, &m.MessageType, &content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread message: %w", err)
		}
		m.Content = json.RawMessage(content)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
