package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/persistence"
)

// LoopGetter loads a loop by id.
type LoopGetter interface {
	GetLoop(ctx context.Context, id string) (*persistence.Loop, error)
}

// Waiter blocks until a loop satisfies a condition, woken by bus events with
// polling as fallback.
type Waiter struct {
	eventBus *bus.Bus // nil for polling only
	store    LoopGetter
}

func NewWaiter(eventBus *bus.Bus, store LoopGetter) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitForLoop returns the loop once done reports true, or an error when
// timeout elapses first.
func (w *Waiter) WaitForLoop(ctx context.Context, loopID string, done func(*persistence.Loop) bool, timeout time.Duration) (*persistence.Loop, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first read so a transition in between is not missed.
	var events <-chan bus.Event
	if w.eventBus != nil {
		sub := w.eventBus.Subscribe(bus.PrefixLoop)
		defer w.eventBus.Unsubscribe(sub)
		events = sub.Ch()
	}

	check := func() (*persistence.Loop, error) {
		l, err := w.store.GetLoop(ctx, loopID)
		if err != nil {
			return nil, fmt.Errorf("get loop %s: %w", loopID, err)
		}
		if done(l) {
			return l, nil
		}
		return nil, nil
	}
	if l, err := check(); l != nil || err != nil {
		return l, err
	}

	interval := time.Second
	if events == nil {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for loop %s: %w", loopID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !isEventForLoop(ev, loopID) {
				continue
			}
		}
		if l, err := check(); l != nil || err != nil {
			return l, err
		}
	}
}

func isEventForLoop(ev bus.Event, loopID string) bool {
	switch e := ev.Payload.(type) {
	case bus.LoopTransitionEvent:
		return e.LoopID == loopID
	case bus.LoopPublishedEvent:
		return e.LoopID == loopID
	}
	return false
}
