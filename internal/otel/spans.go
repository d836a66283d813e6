package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for loopd spans and metrics.
var (
	AttrLoopID     = attribute.Key("loopd.loop.id")
	AttrLoopState  = attribute.Key("loopd.loop.state")
	AttrRunID      = attribute.Key("loopd.run.id")
	AttrEventID    = attribute.Key("loopd.event.id")
	AttrSeq        = attribute.Key("loopd.event.seq")
	AttrOutcome    = attribute.Key("loopd.outcome")
	AttrSignal     = attribute.Key("loopd.signal")
	AttrLeaseOwner = attribute.Key("loopd.lease.owner")
	AttrTick       = attribute.Key("loopd.tick")
	AttrTrigger    = attribute.Key("loopd.tick.trigger")
	AttrRoute      = attribute.Key("loopd.http.route")
	AttrStatus     = attribute.Key("loopd.http.status")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (GitHub API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
