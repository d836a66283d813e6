package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestLoopRunEventIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if LoopID(ctx) != "" || RunID(ctx) != "" || EventID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithLoopID(ctx, "loop-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithEventID(ctx, "evt-1")
	if got := LoopID(ctx); got != "loop-1" {
		t.Fatalf("expected loop-1, got %q", got)
	}
	if got := RunID(ctx); got != "run-1" {
		t.Fatalf("expected run-1, got %q", got)
	}
	if got := EventID(ctx); got != "evt-1" {
		t.Fatalf("expected evt-1, got %q", got)
	}
}

func TestLogAttrs_OnlyPresentKeys(t *testing.T) {
	ctx := WithRunID(WithTraceID(context.Background(), "t"), "r")
	attrs := LogAttrs(ctx)
	want := []any{"trace_id", "t", "run_id", "r"}
	if len(attrs) != len(want) {
		t.Fatalf("expected %v, got %v", want, attrs)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Fatalf("attr %d: expected %v, got %v", i, want[i], attrs[i])
		}
	}
}
