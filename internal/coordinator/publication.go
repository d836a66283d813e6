package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/otel"
	"github.com/basket/loopd/internal/publisher/github"
	"go.opentelemetry.io/otel/trace"
)

// Publisher reflects a loop state onto its pull request.
type Publisher interface {
	PublishState(ctx context.Context, req github.Request) error
}

// PublishResult reports what a publication tick did.
type PublishResult struct {
	Published string
	Skipped   string
}

// PublicationCoordinator publishes the loop's state once per state.
type PublicationCoordinator struct {
	store     Store
	publisher Publisher
	bus       *bus.Bus
	leaseTTL  time.Duration
	logger    *slog.Logger
}

// NewPublicationCoordinator returns a coordinator; a nil publisher disables
// publication.
func NewPublicationCoordinator(store Store, publisher Publisher, eventBus *bus.Bus, logger *slog.Logger) *PublicationCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublicationCoordinator{store: store, publisher: publisher, bus: eventBus, leaseTTL: DefaultLeaseTTL, logger: logger}
}

// Tick publishes the current state of req.LoopID if it is publishable, has a
// linked PR, and differs from the last published state.
func (p *PublicationCoordinator) Tick(ctx context.Context, req TickRequest) (PublishResult, error) {
	var res PublishResult
	if p.publisher == nil {
		res.Skipped = SkipPublisherDisabled
		return res, nil
	}
	if reason := req.Guardrail.Blocked(p.store.Now()); reason != "" {
		res.Skipped = reason
		return res, nil
	}

	held, err := withLease(ctx, p.store, p.leaseTTL, req, func() error {
		l, err := p.store.GetLoop(ctx, req.LoopID)
		if err != nil {
			return err
		}
		switch {
		case !l.State.Publishable():
			res.Skipped = SkipNotPublishable
			return nil
		case l.PRNumber <= 0 || l.Repo == "":
			res.Skipped = SkipNoPullRequest
			return nil
		case l.PublishedState == string(l.State):
			res.Skipped = SkipAlreadyPublished
			return nil
		}

		// Nest under the caller's span when there is one.
		tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer(otel.TracerName)
		gctx, span := otel.StartClientSpan(ctx, tracer, "github.publish_state",
			otel.AttrLoopID.String(l.ID), otel.AttrLoopState.String(string(l.State)))
		err = p.publisher.PublishState(gctx, github.Request{
			LoopID:   l.ID,
			Repo:     l.Repo,
			PRNumber: l.PRNumber,
			State:    string(l.State),
		})
		otel.EndSpan(span, err)
		if err != nil {
			return err
		}
		if _, err := p.store.MarkPublished(ctx, l.ID, l.State); err != nil {
			return err
		}
		res.Published = string(l.State)
		if p.bus != nil {
			p.bus.Publish(bus.TopicLoopPublished, bus.LoopPublishedEvent{LoopID: l.ID, State: string(l.State), PRNumber: l.PRNumber})
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("publication tick %s: %w", req.LoopID, err)
	}
	if !held {
		res.Skipped = SkipLeaseHeld
	}
	return res, nil
}
