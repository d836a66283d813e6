package gateway_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/loopd/internal/audit"
	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/claim"
	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/daemontoken"
	"github.com/basket/loopd/internal/gateway"
	"github.com/basket/loopd/internal/persistence"
	"github.com/basket/loopd/internal/realtime"
	"github.com/basket/loopd/internal/threadchat"
)

const testOperatorKey = "operator-test-key"

// flakyHandler fails with a fixed status until reset.
type flakyHandler struct {
	inner  gateway.EventHandler
	mu     sync.Mutex
	status int
	calls  int
}

func (f *flakyHandler) HandleDaemonEvent(ctx context.Context, in threadchat.Input) error {
	f.mu.Lock()
	f.calls++
	status := f.status
	f.mu.Unlock()
	if status != 0 {
		return &threadchat.HandlerError{Status: status, Message: "storage unavailable"}
	}
	return f.inner.HandleDaemonEvent(ctx, in)
}

func (f *flakyHandler) failWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *flakyHandler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	t       *testing.T
	store   *persistence.Store
	bus     *bus.Bus
	srv     *httptest.Server
	keyring *daemontoken.Keyring
	claims  *claim.Coordinator
	handler *flakyHandler
	hub     *realtime.Hub
	audit   *audit.Recorder
}

func newHarness(t *testing.T, opts ...func(*gateway.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()

	store, err := persistence.Open(filepath.Join(dir, "loopd.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rec, err := audit.Open(dir, store.DB())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kr := daemontoken.NewKeyring("k1", map[string]ed25519.PrivateKey{"k1": priv})

	claims, err := claim.New(claim.Config{Store: store, Bus: b, Logger: logger})
	if err != nil {
		t.Fatalf("claim coordinator: %v", err)
	}
	handler := &flakyHandler{inner: threadchat.NewHandler(store, logger)}
	runner := coordinator.NewRunner(coordinator.RunnerConfig{Store: store, Logger: logger})
	hub := realtime.NewHub(b, nil, logger)
	hub.Start(context.Background())

	cfg := gateway.Config{
		Store:            store,
		Claims:           claims,
		Handler:          handler,
		Runner:           runner,
		Waiter:           coordinator.NewWaiter(b, store),
		Keyring:          kr,
		Audit:            rec,
		Hub:              hub,
		Logger:           logger,
		OperatorKey:      testOperatorKey,
		StrictRunContext: true,
		TokenTTL:         time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Close(ctx)
		_ = rec.Close()
		_ = store.Close()
		b.Close()
	})
	return &harness{
		t: t, store: store, bus: b, srv: srv, keyring: kr,
		claims: claims, handler: handler, hub: hub, audit: rec,
	}
}

type response struct {
	Status int
	Header http.Header
	Body   map[string]any
}

func (h *harness) do(method, path string, body any, header map[string]string) response {
	h.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := response{Status: resp.StatusCode, Header: resp.Header}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out.Body); err != nil {
			h.t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return out
}

func operator() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testOperatorKey}
}

func daemon(token string) map[string]string {
	return map[string]string{
		"Authorization":             "Bearer " + token,
		"X-Daemon-Capabilities":     "daemon_event_envelope_v2",
		"X-Daemon-Protocol-Version": "2",
	}
}

func (h *harness) enroll(threadID string) string {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/api/loops", map[string]any{"threadId": threadID, "repo": "acme/app"}, operator())
	if resp.Status != http.StatusCreated {
		h.t.Fatalf("enroll: status %d body %v", resp.Status, resp.Body)
	}
	return resp.Body["id"].(string)
}

func (h *harness) signal(loopID, causeID, signal string) response {
	h.t.Helper()
	return h.do(http.MethodPost, "/api/loops/"+loopID+"/signals",
		map[string]any{"causeType": "operator", "causeId": causeID, "signal": signal}, operator())
}

func (h *harness) waitState(loopID, state string) string {
	h.t.Helper()
	resp := h.do(http.MethodGet, "/api/loops/"+loopID+"?wait=3s&state="+state, nil, operator())
	if resp.Status != http.StatusOK {
		h.t.Fatalf("get loop: status %d body %v", resp.Status, resp.Body)
	}
	return resp.Body["state"].(string)
}

// mintRun creates a dispatched run for threadID and returns its id and token.
func (h *harness) mintRun(threadID string) (string, string) {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/api/runs", map[string]any{
		"userId":       "user-1",
		"threadId":     threadID,
		"threadChatId": "chat-1",
		"sandboxId":    "sbx-1",
		"agent":        "claude",
	}, operator())
	if resp.Status != http.StatusCreated {
		h.t.Fatalf("create run: status %d body %v", resp.Status, resp.Body)
	}
	run := resp.Body["run"].(map[string]any)
	return run["runId"].(string), resp.Body["token"].(string)
}

func eventBody(threadID, eventID, runID string, seq int64, msgType string) map[string]any {
	return map[string]any{
		"threadId":       threadID,
		"threadChatId":   "chat-1",
		"messages":       []map[string]any{{"type": msgType, "is_error": false}},
		"payloadVersion": 2,
		"eventId":        eventID,
		"runId":          runID,
		"seq":            seq,
	}
}

func TestHealthz_NoAuth(t *testing.T) {
	h := newHarness(t)
	resp := h.do(http.MethodGet, "/healthz", nil, nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.Status)
	}
	if resp.Body["healthy"] != true || resp.Body["capability_policy"] != "enrollment" {
		t.Fatalf("unexpected healthz body %v", resp.Body)
	}
	if resp.Header.Get("X-Trace-Id") == "" {
		t.Fatal("expected a trace id header")
	}
}

func TestMetrics_RequiresOperatorKey(t *testing.T) {
	h := newHarness(t)
	if resp := h.do(http.MethodGet, "/metrics", nil, nil); resp.Status != http.StatusUnauthorized {
		t.Fatalf("metrics without key = %d", resp.Status)
	}

	loopID := h.enroll("thread-1")
	if resp := h.signal(loopID, "c-1", "implementation_started"); resp.Status != http.StatusCreated {
		t.Fatalf("signal status = %d", resp.Status)
	}
	h.waitState(loopID, "implementing")

	resp := h.do(http.MethodGet, "/metrics", nil, operator())
	if resp.Status != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.Status)
	}
	if resp.Body["inbox_processed"].(float64) != 1 {
		t.Fatalf("expected one processed inbox row, got %v", resp.Body)
	}
	byState := resp.Body["loops_by_state"].(map[string]any)
	if byState["implementing"].(float64) != 1 {
		t.Fatalf("loops_by_state = %v", byState)
	}
}

func TestCORS_PreflightForAllowedOrigin(t *testing.T) {
	h := newHarness(t, func(c *gateway.Config) { c.AllowOrigins = []string{"https://ops.example"} })

	resp := h.do(http.MethodOptions, "/api/loops", nil, map[string]string{"Origin": "https://ops.example"})
	if resp.Status != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.Status)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
		t.Fatalf("allow origin = %q", got)
	}

	resp = h.do(http.MethodOptions, "/api/loops", nil, map[string]string{"Origin": "https://evil.example"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q for unknown origin", got)
	}
}
