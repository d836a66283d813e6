// Package realtime streams loop transitions to websocket clients. The Hub
// owns every open connection; it is created and closed with the server.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
)

// ErrClosed is returned by Serve after Close.
var ErrClosed = errors.New("realtime: hub closed")

// Message is one frame sent to a loop subscriber.
type Message struct {
	Type        string `json:"type"`
	LoopID      string `json:"loopId"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Signal      string `json:"signal,omitempty"`
	LoopVersion int64  `json:"loopVersion,omitempty"`
	State       string `json:"state,omitempty"`
	PRNumber    int    `json:"prNumber,omitempty"`
}

type conn struct {
	ws     *websocket.Conn
	loopID string
	send   chan Message
}

// Hub fans bus loop events out to the connections watching each loop.
type Hub struct {
	bus          *bus.Bus
	allowOrigins []string
	logger       *slog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(eventBus *bus.Bus, allowOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:          eventBus,
		allowOrigins: allowOrigins,
		logger:       logger,
		conns:        make(map[*conn]struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins dispatching bus events. Close stops it.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	sub := h.bus.Subscribe(bus.PrefixLoop)
	go func() {
		defer close(h.done)
		defer h.bus.Unsubscribe(sub)
		defer func() {
			if n := sub.Dropped(); n > 0 {
				h.logger.Warn("realtime hub fell behind the bus", "dropped_events", n)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if msg, ok := toMessage(ev); ok {
					h.dispatch(msg)
				}
			}
		}
	}()
}

func toMessage(ev bus.Event) (Message, bool) {
	switch p := ev.Payload.(type) {
	case bus.LoopTransitionEvent:
		typ := "transition"
		if ev.Topic == bus.TopicLoopEnrolled {
			typ = "enrolled"
		}
		return Message{Type: typ, LoopID: p.LoopID, From: p.From, To: p.To, Signal: p.Signal, LoopVersion: p.LoopVersion}, true
	case bus.LoopPublishedEvent:
		return Message{Type: "published", LoopID: p.LoopID, State: p.State, PRNumber: p.PRNumber}, true
	}
	return Message{}, false
}

func (h *Hub) dispatch(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.loopID != msg.LoopID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop it rather than stall every other client.
			delete(h.conns, c)
			close(c.send)
		}
	}
}

// Serve upgrades the request and streams messages for loopID until the
// client leaves or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, loopID string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return ErrClosed
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.allowOrigins})
	if err != nil {
		return err
	}
	c := &conn{ws: ws, loopID: loopID, send: make(chan Message, sendBuffer)}
	if !h.add(c) {
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return ErrClosed
	}
	h.logger.Debug("realtime: client connected", "loop_id", loopID)
	defer h.remove(c)

	// Clients never send; CloseRead handles their close frame.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.send:
			if !ok {
				_ = ws.Close(websocket.StatusPolicyViolation, "too slow")
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, msg)
			cancel()
			if err != nil {
				return nil
			}
		}
	}
}

func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
}

// ConnCount is the number of open streams.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close stops dispatch and ends every open stream.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	open := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		delete(h.conns, c)
		open = append(open, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range open {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.ws.Close(websocket.StatusGoingAway, "shutting down")
		}()
	}
	wg.Wait()

	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}
