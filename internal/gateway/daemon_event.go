package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/basket/loopd/internal/audit"
	"github.com/basket/loopd/internal/claim"
	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/otel"
	"github.com/basket/loopd/internal/persistence"
	"github.com/basket/loopd/internal/shared"
	"github.com/basket/loopd/internal/threadchat"
)

type successBody struct {
	Success bool `json:"success"`
}

type dedupBody struct {
	Success             bool   `json:"success"`
	Deduplicated        bool   `json:"deduplicated"`
	Reason              string `json:"reason"`
	AcknowledgedEventID string `json:"acknowledgedEventId"`
	AcknowledgedSeq     int64  `json:"acknowledgedSeq"`
}

func (s *Server) handleDaemonEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "daemon_event")
	var spanErr error
	defer func() { otel.EndSpan(span, spanErr) }()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxDaemonEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, "daemon event exceeds 4 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, CodeInvalidBody, "read body: "+err.Error())
		return
	}

	principal, err := s.authenticateDaemon(ctx, r)
	if err != nil {
		if errors.Is(err, errAuthBackend) {
			spanErr = err
			s.logger.Error("daemon auth backend failed", "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "daemon auth unavailable")
			return
		}
		s.denyDaemon(ctx, w, "", err)
		return
	}
	ctx = shared.WithRunID(ctx, principal.Claims.RunID)

	ev, err := envelope.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error())
		return
	}
	if err := s.matchBody(principal, ev); err != nil {
		s.denyDaemon(ctx, w, ev.ThreadID, err)
		return
	}

	l, err := s.cfg.Store.ActiveLoopForThread(ctx, ev.ThreadID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		l = nil
	case err != nil:
		spanErr = err
		writeError(w, http.StatusInternalServerError, CodeInternal, "look up loop enrollment")
		return
	}

	policy := s.cfg.Policy.Load()
	decision := policy.Evaluate(envelope.GateInput{
		Enrolled:     l != nil,
		AdvertisedV2: envelope.AdvertisesV2(r.Header.Get(envelope.HeaderCapabilities)),
		Shape:        ev.Shape,
	})
	var proceed envelope.Proceed
	switch d := decision.(type) {
	case *envelope.GateError:
		s.cfg.Audit.Record(ctx, audit.Entry{
			Decision: audit.DecisionDeny,
			Action:   "daemon_event.gate",
			Reason:   d.Code,
			Subject:  ev.ThreadID,
			Policy:   string(policy),
		})
		writeError(w, d.Status, d.Code, d.Error())
		return
	case envelope.Proceed:
		proceed = d
	}

	runID := principal.Claims.RunID
	if ev.Envelope != nil {
		runID = ev.Envelope.RunID
		ctx = shared.WithEventID(shared.WithRunID(ctx, runID), ev.Envelope.EventID)
	}
	in := threadchat.Input{UserID: principal.Claims.UserID, RunID: runID, Event: ev}

	// Dedup applies only to enrolled loops on the versioned path.
	if !proceed.UseEnvelope || l == nil {
		if err := s.runHandler(ctx, in); err != nil {
			spanErr = err
			s.writeHandlerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, successBody{Success: true})
		return
	}

	ctx = shared.WithLoopID(ctx, l.ID)
	spanErr = s.handleEnrolled(ctx, w, l, ev, in)
}

// handleEnrolled runs claim, handler and commit for an enrolled loop.
func (s *Server) handleEnrolled(ctx context.Context, w http.ResponseWriter, l *persistence.Loop, ev *envelope.Event, in threadchat.Input) error {
	env := *ev.Envelope
	logger := s.logger.With(shared.LogAttrs(ctx)...)

	signal, _ := threadchat.DeriveSignal(ev.Messages)
	cctx, span := otel.StartSpan(ctx, s.tracer, "claim",
		otel.AttrLoopID.String(l.ID), otel.AttrEventID.String(env.EventID),
		otel.AttrRunID.String(env.RunID), otel.AttrSeq.Int64(env.Seq))
	res, err := s.cfg.Claims.Claim(cctx, claim.Request{
		LoopID:       l.ID,
		Envelope:     env,
		ThreadID:     ev.ThreadID,
		ThreadChatID: ev.ThreadChatID,
		Signal:       string(signal),
	})
	if err == nil {
		span.SetAttributes(otel.AttrOutcome.String(string(res.Kind())))
	}
	otel.EndSpan(span, err)
	if err != nil {
		logger.Error("daemon event claim failed", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "claim daemon event")
		return err
	}

	switch r := res.(type) {
	case claim.Claimed:
		if err := s.runHandler(ctx, in); err != nil {
			if _, rbErr := s.cfg.Claims.Rollback(context.WithoutCancel(ctx), r.Ref); rbErr != nil {
				logger.Warn("daemon event rollback failed", "entry_id", r.Ref.EntryID, "error", rbErr)
			}
			s.writeHandlerError(w, err)
			return err
		}

		mctx, span := otel.StartSpan(ctx, s.tracer, "commit", otel.AttrLoopID.String(l.ID))
		outcome, err := s.cfg.Claims.Commit(context.WithoutCancel(mctx), r.Ref)
		otel.EndSpan(span, err)
		if err != nil {
			if errors.Is(err, claim.ErrClaimLost) {
				writeError(w, http.StatusInternalServerError, CodeClaimLost, err.Error())
			} else {
				writeError(w, http.StatusInternalServerError, CodeInternal, "commit daemon event")
			}
			return err
		}
		logger.Debug("daemon event committed", "outcome", outcome, "entry_id", r.Ref.EntryID)
		s.cfg.Runner.Spawn(l.ID, coordinator.CommitLeaseOwner(env.EventID, env.Seq), coordinator.TriggerPostCommit)
		writeJSON(w, http.StatusOK, successBody{Success: true})
		return nil

	case claim.Duplicate, claim.OutOfOrder:
		// The effect is already recorded; make sure the loop has caught up
		// before acknowledging so the daemon can stop retrying.
		if _, err := s.cfg.Runner.Run(ctx, l.ID, coordinator.DedupLeaseOwner(env.EventID, env.Seq)); err != nil {
			logger.Error("dedup-ack tick failed", "error", err)
			writeError(w, http.StatusInternalServerError, CodeDedupAckFailed, err.Error())
			return err
		}
		writeJSON(w, http.StatusAccepted, dedupBody{
			Success:             true,
			Deduplicated:        true,
			Reason:              string(r.Kind()),
			AcknowledgedEventID: env.EventID,
			AcknowledgedSeq:     env.Seq,
		})
		return nil

	case claim.InProgress:
		w.Header().Set("Retry-After", RetryAfterInProgress)
		writeError(w, http.StatusConflict, CodeClaimInProgress, "another request holds the claim for this event")
		return nil
	}
	writeError(w, http.StatusInternalServerError, CodeInternal, "unknown claim result")
	return errors.New("unknown claim result")
}

func (s *Server) runHandler(ctx context.Context, in threadchat.Input) error {
	hctx, span := otel.StartSpan(ctx, s.tracer, "handler")
	start := s.now()
	err := s.cfg.Handler.HandleDaemonEvent(hctx, in)
	status := http.StatusOK
	if err != nil {
		status = handlerStatus(err)
	}
	s.cfg.Metrics.RecordHandler(hctx, s.now().Sub(start), status)
	otel.EndSpan(span, err)
	return err
}

func handlerStatus(err error) int {
	var he *threadchat.HandlerError
	if errors.As(err, &he) && he.Status > 0 {
		return he.Status
	}
	return http.StatusInternalServerError
}

func (s *Server) writeHandlerError(w http.ResponseWriter, err error) {
	status := handlerStatus(err)
	msg := "daemon event handler failed"
	var he *threadchat.HandlerError
	if errors.As(err, &he) && he.Message != "" {
		msg = he.Message
	}
	s.logger.Warn("daemon event handler failed", "status", status, "error", err)
	writeError(w, status, CodeHandlerFailed, msg)
}

func (s *Server) denyDaemon(ctx context.Context, w http.ResponseWriter, subject string, err error) {
	s.cfg.Audit.Record(ctx, audit.Entry{
		Decision: audit.DecisionDeny,
		Action:   "daemon_event.auth",
		Reason:   err.Error(),
		Subject:  subject,
	})
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid daemon token")
}
