// Package threadchat applies the business effect of a daemon event: its
// messages are appended to the thread and terminal messages settle the run.
// Loop state is never touched here; the loop reads the committed inbox row.
package threadchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/loop"
	"github.com/basket/loopd/internal/persistence"
	"github.com/basket/loopd/internal/safety"
)

// Message types the daemon sends when an agent turn ends.
const (
	MessageResult      = "result"
	MessageCustomStop  = "custom-stop"
	MessageCustomError = "custom-error"
)

// HandlerError carries the status the gateway should answer with.
type HandlerError struct {
	Status  int
	Message string
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Input is one authenticated daemon event.
type Input struct {
	UserID string
	// RunID comes from the envelope or the daemon token; empty for legacy
	// daemons without either.
	RunID string
	Event *envelope.Event
}

// Store is the persistence the handler writes to.
type Store interface {
	AppendThreadMessages(ctx context.Context, msgs []persistence.ThreadMessage) error
	FinishRun(ctx context.Context, runID string, status persistence.RunStatus) (bool, error)
}

// Handler persists daemon messages.
type Handler struct {
	store  Store
	logger *slog.Logger
	leaks  *safety.LeakDetector
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger, leaks: safety.NewLeakDetector()}
}

// HandleDaemonEvent stores the messages and, when the event ends the run,
// records its terminal status. Failures are *HandlerError.
func (h *Handler) HandleDaemonEvent(ctx context.Context, in Input) error {
	if in.Event == nil {
		return &HandlerError{Status: http.StatusBadRequest, Message: "missing event"}
	}
	ev := in.Event
	msgs := make([]persistence.ThreadMessage, 0, len(ev.Messages))
	for _, m := range ev.Messages {
		msgs = append(msgs, persistence.ThreadMessage{
			ThreadID:     ev.ThreadID,
			ThreadChatID: ev.ThreadChatID,
			RunID:        in.RunID,
			MessageType:  m.Type,
			Content:      m.Raw,
		})
		// Stored as sent; operators are told so they can rotate.
		for _, w := range h.leaks.Scan(string(m.Raw)) {
			h.logger.Warn("credential-like content in daemon message",
				"pattern", w.Pattern, "sample", w.Sample, "thread_id", ev.ThreadID, "run_id", in.RunID, "message_type", m.Type)
		}
	}
	if err := h.store.AppendThreadMessages(ctx, msgs); err != nil {
		return storageError("append thread messages", err)
	}

	status, ok := RunStatusFor(ev.Messages)
	if !ok || in.RunID == "" {
		return nil
	}
	finished, err := h.store.FinishRun(ctx, in.RunID, status)
	if err != nil {
		return storageError("finish run", err)
	}
	if finished {
		h.logger.Info("run finished", "run_id", in.RunID, "status", status, "thread_id", ev.ThreadID)
	}
	return nil
}

func storageError(op string, err error) *HandlerError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &HandlerError{Status: http.StatusServiceUnavailable, Message: op + " timed out", Err: err}
	}
	return &HandlerError{Status: http.StatusServiceUnavailable, Message: op + " failed", Err: err}
}

// lastTerminal returns the last message that ends an agent turn.
func lastTerminal(msgs []envelope.Message) (envelope.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Type {
		case MessageResult, MessageCustomStop, MessageCustomError:
			return msgs[i], true
		}
	}
	return envelope.Message{}, false
}

// DeriveSignal maps the last terminal message of an event to a loop signal.
// Events without a terminal message carry no signal.
func DeriveSignal(msgs []envelope.Message) (loop.SignalKind, bool) {
	m, ok := lastTerminal(msgs)
	if !ok {
		return "", false
	}
	switch {
	case m.Type == MessageCustomError, m.IsError:
		return loop.SignalImplementationFailed, true
	default:
		return loop.SignalImplementationCompleted, true
	}
}

// RunStatusFor maps the last terminal message to the run's final status.
func RunStatusFor(msgs []envelope.Message) (persistence.RunStatus, bool) {
	m, ok := lastTerminal(msgs)
	if !ok {
		return "", false
	}
	switch {
	case m.Type == MessageCustomError, m.IsError:
		return persistence.RunStatusFailed, true
	case m.Type == MessageCustomStop:
		return persistence.RunStatusStopped, true
	default:
		return persistence.RunStatusCompleted, true
	}
}
