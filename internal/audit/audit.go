// Package audit keeps an append-only trail of security-relevant decisions:
// daemon auth failures, capability gate rejections, and operator actions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one audit record.
type Entry struct {
	Decision string
	Action   string
	Reason   string
	Subject  string
	// Policy is the capability policy in force, when relevant.
	Policy string
}

type line struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Policy    string `json:"policy,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// Recorder writes entries to <home>/logs/audit.jsonl and, when a database
// is attached, to the audit_log table.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	now       func() time.Time
	denyCount atomic.Int64
}

// Open creates the recorder. db may be nil.
func Open(homeDir string, db *sql.DB) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f, db: db, now: time.Now}, nil
}

// Close releases the JSONL file. Safe on a nil recorder.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func (r *Recorder) DenyCount() int64 {
	if r == nil {
		return 0
	}
	return r.denyCount.Load()
}

// Record appends e. Reason and subject are redacted before they are written.
// A nil recorder drops the entry.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil {
		return
	}
	if e.Decision == DecisionDeny {
		r.denyCount.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		b, err := json.Marshal(line{
			Timestamp: r.now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Decision:  e.Decision,
			Action:    e.Action,
			Reason:    e.Reason,
			Policy:    e.Policy,
			Subject:   e.Subject,
		})
		if err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}
	if r.db != nil {
		// Detached from ctx so a cancelled request still leaves its trail.
		_, _ = r.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, e.Subject, e.Action, e.Decision, e.Reason, e.Policy)
	}
}

// Follow records claim recovery and rollbacks published on b until ctx is
// done. The returned channel closes when the follower exits.
func (r *Recorder) Follow(ctx context.Context, b *bus.Bus) <-chan struct{} {
	done := make(chan struct{})
	sub := b.Subscribe(bus.PrefixInbox, bus.WithBuffer(1024))
	go func() {
		defer close(done)
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				p, ok := ev.Payload.(bus.InboxEvent)
				if !ok || ev.Topic == bus.TopicInboxCommitted {
					continue
				}
				r.Record(ctx, Entry{
					Decision: DecisionAllow,
					Action:   ev.Topic,
					Reason:   p.CauseType + ":" + p.CanonicalCauseID,
					Subject:  p.LoopID,
				})
			}
		}
	}()
	return done
}
