package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the loopd metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	HandlerDuration  metric.Float64Histogram
	ClaimOutcomes    metric.Int64Counter
	CommitOutcomes   metric.Int64Counter
	TickFailures     metric.Int64Counter
	Transitions      metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("loopd.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerDuration, err = meter.Float64Histogram("loopd.handler.duration",
		metric.WithDescription("Downstream event handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimOutcomes, err = meter.Int64Counter("loopd.claim.outcomes",
		metric.WithDescription("Claim attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitOutcomes, err = meter.Int64Counter("loopd.commit.outcomes",
		metric.WithDescription("Commit attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TickFailures, err = meter.Int64Counter("loopd.tick.failures",
		metric.WithDescription("Best-effort coordination tick failures"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("loopd.loop.transitions",
		metric.WithDescription("Loop state transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("loopd.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

// The Record helpers are safe on a nil *Metrics.

func (m *Metrics) RecordClaim(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ClaimOutcomes.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordCommit(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CommitOutcomes.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordTickFailure(ctx context.Context, tick, trigger string) {
	if m == nil {
		return
	}
	m.TickFailures.Add(ctx, 1, metric.WithAttributes(AttrTick.String(tick), AttrTrigger.String(trigger)))
}

func (m *Metrics) RecordTransition(ctx context.Context, signal, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(AttrSignal.String(signal), AttrLoopState.String(to)))
}

func (m *Metrics) RecordHandler(ctx context.Context, d time.Duration, status int) {
	if m == nil {
		return
	}
	m.HandlerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrStatus.Int(status)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrRoute.String(route), AttrStatus.Int(status)))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(AttrRoute.String(route)))
}
