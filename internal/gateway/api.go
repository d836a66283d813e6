package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/loopd/internal/audit"
	"github.com/basket/loopd/internal/claim"
	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/daemontoken"
	"github.com/basket/loopd/internal/loop"
	"github.com/basket/loopd/internal/persistence"
	"github.com/google/uuid"
)

// maxLoopWait caps ?wait= on GET /api/loops/{id}.
const maxLoopWait = 60 * time.Second

type createLoopRequest struct {
	ID            string `json:"id,omitempty"`
	ThreadID      string `json:"threadId"`
	Repo          string `json:"repo,omitempty"`
	PRNumber      int    `json:"prNumber,omitempty"`
	VideoRequired bool   `json:"videoRequired,omitempty"`
}

func (s *Server) handleCreateLoop(w http.ResponseWriter, r *http.Request) {
	var req createLoopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "threadId is required")
		return
	}
	if req.PRNumber < 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "prNumber must be positive")
		return
	}
	if req.ID != "" {
		if _, err := s.cfg.Store.GetLoop(r.Context(), req.ID); err == nil {
			writeError(w, http.StatusConflict, CodeConflict, "loop "+req.ID+" already exists")
			return
		}
	}
	l := &persistence.Loop{
		ID:            req.ID,
		ThreadID:      req.ThreadID,
		Repo:          req.Repo,
		PRNumber:      req.PRNumber,
		VideoRequired: req.VideoRequired,
	}
	if err := s.cfg.Store.CreateLoop(r.Context(), l); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	s.cfg.Audit.Record(r.Context(), audit.Entry{
		Decision: audit.DecisionAllow,
		Action:   "loop.enroll",
		Reason:   "operator",
		Subject:  l.ID,
	})
	s.logger.Info("loop enrolled", "loop_id", l.ID, "thread_id", l.ThreadID, "repo", l.Repo, "pr_number", l.PRNumber)
	writeJSON(w, http.StatusCreated, l)
}

// handleGetLoop returns a loop. With ?wait=<duration> it first blocks until
// the loop reaches ?state= (or any terminal state when state is omitted),
// then returns the loop as it is.
func (s *Server) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	l, err := s.cfg.Store.GetLoop(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "loop "+id+" not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	q := r.URL.Query()
	if raw := q.Get("wait"); raw != "" && s.cfg.Waiter != nil {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidBody, "wait must be a positive duration")
			return
		}
		wait = min(wait, maxLoopWait)
		done := func(l *persistence.Loop) bool { return l.State.Terminal() }
		if raw := q.Get("state"); raw != "" {
			want, err := loop.ParseState(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error())
				return
			}
			done = func(l *persistence.Loop) bool { return l.State == want }
		}
		waited, err := s.cfg.Waiter.WaitForLoop(r.Context(), id, done, wait)
		switch {
		case err == nil:
			l = waited
		case errors.Is(err, context.DeadlineExceeded):
			// Timed out: answer with the latest row.
			if latest, gerr := s.cfg.Store.GetLoop(r.Context(), id); gerr == nil {
				l = latest
			}
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, l)
}

type enqueueSignalRequest struct {
	CauseType string `json:"causeType"`
	CauseID   string `json:"causeId"`
	Signal    string `json:"signal"`
	PRNumber  int    `json:"prNumber,omitempty"`
}

type enqueueSignalResponse struct {
	Success      bool                    `json:"success"`
	Deduplicated bool                    `json:"deduplicated,omitempty"`
	Entry        *persistence.InboxEntry `json:"entry,omitempty"`
}

// External causes are recorded under their own cause type and never
// collide with daemon events.
const externalCauseIdentityVersion = 1

func (s *Server) handleEnqueueSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req enqueueSignalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CauseType = strings.TrimSpace(req.CauseType)
	req.CauseID = strings.TrimSpace(req.CauseID)
	switch {
	case req.CauseType == "" || req.CauseID == "":
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "causeType and causeId are required")
		return
	case req.CauseType == claim.CauseTypeDaemonTerminal:
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "daemon events arrive through /daemon-event")
		return
	}
	kind, err := loop.ParseSignalKind(req.Signal)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error())
		return
	}
	if kind == loop.SignalPRLinked && req.PRNumber <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "pr_linked requires prNumber")
		return
	}
	if _, err := s.cfg.Store.GetLoop(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "loop "+id+" not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	entry := &persistence.InboxEntry{
		DedupKey: persistence.DedupKey{
			LoopID:               id,
			CauseType:            req.CauseType,
			CanonicalCauseID:     req.CauseID,
			CauseIdentityVersion: externalCauseIdentityVersion,
		},
		Payload: persistence.InboxPayload{Signal: string(kind), PRNumber: req.PRNumber},
	}
	inserted, err := s.cfg.Store.EnqueueCommittedSignal(r.Context(), entry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if !inserted {
		writeJSON(w, http.StatusAccepted, enqueueSignalResponse{Success: true, Deduplicated: true})
		return
	}
	s.cfg.Runner.Spawn(id, "signal-api:"+entry.ID, coordinator.TriggerSignalAPI)
	writeJSON(w, http.StatusCreated, enqueueSignalResponse{Success: true, Entry: entry})
}

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 1000)
		}
	}
	entries, err := s.cfg.Store.ListInbox(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if entries == nil {
		entries = []persistence.InboxEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"loopId": id, "entries": entries})
}

func (s *Server) handleLoopStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.cfg.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "loop stream disabled")
		return
	}
	if _, err := s.cfg.Store.GetLoop(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "loop "+id+" not found")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if err := s.cfg.Hub.Serve(w, r, id); err != nil {
		s.logger.Debug("loop stream ended", "loop_id", id, "error", err)
	}
}

type createRunRequest struct {
	RunID           string `json:"runId,omitempty"`
	UserID          string `json:"userId"`
	ThreadID        string `json:"threadId"`
	ThreadChatID    string `json:"threadChatId,omitempty"`
	SandboxID       string `json:"sandboxId,omitempty"`
	Agent           string `json:"agent"`
	TransportMode   string `json:"transportMode,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}

type createRunResponse struct {
	Run       *persistence.RunContext `json:"run"`
	Token     string                  `json:"token"`
	ExpiresAt time.Time               `json:"expiresAt"`
}

// handleCreateRun records a pending run and mints the daemon token bound to
// it; the run is dispatched once the token exists.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Keyring == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "no signing keys loaded")
		return
	}
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.ThreadID == "" || req.Agent == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "userId, threadId and agent are required")
		return
	}
	switch req.TransportMode {
	case "", persistence.TransportLegacy, persistence.TransportACP:
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "unknown transportMode "+req.TransportMode)
		return
	}

	rc := &persistence.RunContext{
		RunID:           req.RunID,
		UserID:          req.UserID,
		ThreadID:        req.ThreadID,
		ThreadChatID:    req.ThreadChatID,
		SandboxID:       req.SandboxID,
		Agent:           req.Agent,
		TransportMode:   req.TransportMode,
		ProtocolVersion: req.ProtocolVersion,
	}
	ctx := r.Context()
	if rc.RunID != "" {
		if _, err := s.cfg.Store.GetRunContext(ctx, rc.RunID); err == nil {
			writeError(w, http.StatusConflict, CodeConflict, "run "+rc.RunID+" already exists")
			return
		}
	}
	if err := s.cfg.Store.CreateRunContext(ctx, rc); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	issued := s.now()
	nonce := uuid.NewString()
	token, err := s.cfg.Keyring.Mint(daemontoken.ClaimsForRun(rc, nonce, issued, s.cfg.TokenTTL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	if err := s.cfg.Store.MarkRunDispatched(ctx, rc.RunID, nonce, s.cfg.Keyring.ActiveKeyID()); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	stored, err := s.cfg.Store.GetRunContext(ctx, rc.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	s.cfg.Audit.Record(ctx, audit.Entry{
		Decision: audit.DecisionAllow,
		Action:   "run.token_minted",
		Reason:   "key " + stored.DaemonTokenKeyID,
		Subject:  stored.RunID,
	})
	writeJSON(w, http.StatusCreated, createRunResponse{
		Run:       stored,
		Token:     token,
		ExpiresAt: issued.Add(s.cfg.TokenTTL).UTC().Truncate(time.Second),
	})
}
