package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type loopIDKey struct{}
type runIDKey struct{}
type eventIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithLoopID attaches a loop_id to the context.
func WithLoopID(ctx context.Context, loopID string) context.Context {
	return context.WithValue(ctx, loopIDKey{}, loopID)
}

// LoopID extracts loop_id from context. Returns "" if absent.
func LoopID(ctx context.Context) string {
	if v, ok := ctx.Value(loopIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithEventID attaches the daemon event_id to the context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, eventID)
}

// EventID extracts event_id from context. Returns "" if absent.
func EventID(ctx context.Context) string {
	if v, ok := ctx.Value(eventIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the correlation attributes present on ctx in slog
// key/value form.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := LoopID(ctx); v != "" {
		attrs = append(attrs, "loop_id", v)
	}
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, "run_id", v)
	}
	if v := EventID(ctx); v != "" {
		attrs = append(attrs, "event_id", v)
	}
	return attrs
}
