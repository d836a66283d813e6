// Package gateway serves the daemon event endpoint and the operator API.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/basket/loopd/internal/audit"
	"github.com/basket/loopd/internal/claim"
	"github.com/basket/loopd/internal/config"
	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/daemontoken"
	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/otel"
	"github.com/basket/loopd/internal/persistence"
	"github.com/basket/loopd/internal/realtime"
	"github.com/basket/loopd/internal/shared"
	"github.com/basket/loopd/internal/threadchat"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// MaxDaemonEventBytes bounds a daemon event body.
	MaxDaemonEventBytes = 4 << 20
	// MaxAPIBodyBytes bounds operator API bodies.
	MaxAPIBodyBytes = 1 << 20

	// RetryAfterInProgress is sent with 409 claim-in-progress answers.
	RetryAfterInProgress = "5"
)

// Error codes returned in {"error": code}.
const (
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeInvalidBody     = "invalid_body"
	CodeBodyTooLarge    = "body_too_large"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
	CodeClaimInProgress = "daemon_event_claim_in_progress"
	CodeClaimLost       = "daemon_event_claim_lost"
	CodeDedupAckFailed  = "daemon_event_dedup_ack_failed"
	CodeHandlerFailed   = "daemon_event_handler_failed"
)

// EventHandler applies the business effect of a daemon event.
type EventHandler interface {
	HandleDaemonEvent(ctx context.Context, in threadchat.Input) error
}

// ClaimCoordinator is the claim, commit and rollback protocol.
type ClaimCoordinator interface {
	Claim(ctx context.Context, req claim.Request) (claim.Result, error)
	Commit(ctx context.Context, ref claim.ClaimRef) (claim.CommitOutcome, error)
	Rollback(ctx context.Context, ref claim.ClaimRef) (bool, error)
}

// LoopRunner runs best-effort coordination for a loop.
type LoopRunner interface {
	Run(ctx context.Context, loopID, leaseOwner string) (coordinator.RunResult, error)
	Spawn(loopID, leaseOwner, trigger string)
}

type Config struct {
	Store   *persistence.Store
	Claims  ClaimCoordinator
	Handler EventHandler
	Runner  LoopRunner
	Waiter  *coordinator.Waiter
	Keyring *daemontoken.Keyring
	// Policy is swapped by config reloads; nil means enrollment.
	Policy *envelope.LivePolicy
	Audit  *audit.Recorder
	Hub    *realtime.Hub

	Telemetry *otel.Provider
	Metrics   *otel.Metrics
	Logger    *slog.Logger

	// OperatorKey guards /api and /metrics.
	OperatorKey string
	// StrictRunContext cross-checks daemon tokens against their run row.
	StrictRunContext bool
	TokenTTL         time.Duration
	RateLimit        config.RateLimitConfig
	AllowOrigins     []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	operator *OperatorAuth
	limiter  *RateLimiter
	now      func() time.Time
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger, now: time.Now}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.Telemetry != nil && cfg.Telemetry.Tracer != nil {
		s.tracer = cfg.Telemetry.Tracer
	} else {
		s.tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if s.cfg.Policy == nil {
		s.cfg.Policy = envelope.NewLivePolicy(envelope.PolicyEnrollment)
	}
	if s.cfg.TokenTTL <= 0 {
		s.cfg.TokenTTL = time.Hour
	}
	s.operator = NewOperatorAuth(cfg.OperatorKey, cfg.Audit)
	s.limiter = NewRateLimiter(cfg.RateLimit, cfg.Metrics)
	return s
}

// RateLimiter exposes the daemon event limiter so the caller can start
// bucket eviction.
func (s *Server) RateLimiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /daemon-event", s.limiter.Wrap(http.HandlerFunc(s.handleDaemonEvent)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.operator.Wrap(http.HandlerFunc(s.handleMetrics)))

	api := func(h http.HandlerFunc) http.Handler {
		return s.operator.Wrap(RequestSizeLimitMiddleware(MaxAPIBodyBytes)(h))
	}
	mux.Handle("POST /api/loops", api(s.handleCreateLoop))
	mux.Handle("GET /api/loops/{id}", api(s.handleGetLoop))
	mux.Handle("POST /api/loops/{id}/signals", api(s.handleEnqueueSignal))
	mux.Handle("GET /api/loops/{id}/inbox", api(s.handleListInbox))
	mux.Handle("GET /api/loops/{id}/stream", api(s.handleLoopStream))
	mux.Handle("POST /api/runs", api(s.handleCreateRun))

	return NewCORSMiddleware(s.cfg.AllowOrigins)(s.instrument(mux))
}

// statusRecorder captures the status code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the loop stream upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// instrument stamps a trace id on every request and records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		ctx := shared.WithTraceID(r.Context(), traceID)

		rec := &statusRecorder{ResponseWriter: w}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		// The mux records the matched pattern on the request it served.
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.cfg.Metrics.RecordRequest(ctx, route, rec.status, s.now().Sub(start))
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// decodeJSON reads a bounded JSON body into v and answers the request
// itself when that fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, err.Error())
			return false
		}
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store != nil && s.cfg.Store.DB().PingContext(ctx) == nil

	streams := 0
	if s.cfg.Hub != nil {
		streams = s.cfg.Hub.ConnCount()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"capability_policy":  string(s.cfg.Policy.Load()),
		"strict_run_context": s.cfg.StrictRunContext,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"stream_clients":     streams,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mc, err := s.cfg.Store.MetricsCounts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	counters, err := s.cfg.Telemetry.CounterTotals(ctx)
	if err != nil {
		s.logger.Warn("collect counters failed", "error", err)
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"inbox_live":       mc.InboxLive,
		"inbox_committed":  mc.InboxCommitted,
		"inbox_processed":  mc.InboxProcessed,
		"loops_by_state":   mc.LoopsByState,
		"runs_by_status":   mc.RunsByStatus,
		"counters":         counters,
		"audit_deny_total": s.cfg.Audit.DenyCount(),
		"alloc_bytes":      mem.Alloc,
		"goroutines":       runtime.NumGoroutine(),
	})
}
