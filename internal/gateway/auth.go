package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/loopd/internal/audit"
	"github.com/basket/loopd/internal/daemontoken"
	"github.com/basket/loopd/internal/envelope"
	"github.com/basket/loopd/internal/persistence"
)

// OperatorAuth guards the operator surface with a single shared key.
type OperatorAuth struct {
	key   []byte
	audit *audit.Recorder
}

func NewOperatorAuth(key string, rec *audit.Recorder) *OperatorAuth {
	return &OperatorAuth{key: []byte(key), audit: rec}
}

// Wrap rejects requests without the operator key: 401 when none is sent,
// 403 when it does not match.
func (oa *OperatorAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing operator key")
			return
		}
		if !oa.valid(key) {
			oa.audit.Record(r.Context(), audit.Entry{
				Decision: audit.DecisionDeny,
				Action:   "operator." + r.Method,
				Reason:   "invalid operator key",
				Subject:  r.URL.Path,
			})
			writeError(w, http.StatusForbidden, CodeForbidden, "invalid operator key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// valid uses constant-time comparison to prevent timing attacks.
func (oa *OperatorAuth) valid(candidate string) bool {
	if len(oa.key) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), oa.key) == 1
}

// ExtractAPIKey extracts a bearer credential from request headers or query
// params. It checks, in order: Authorization: Bearer <key>, X-API-Key header,
// api_key query param (browsers cannot set headers on websocket upgrades).
func ExtractAPIKey(r *http.Request) string {
	if key := bearerToken(r); key != "" {
		return key
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

var (
	errMissingToken = errors.New("missing daemon token")
	// errAuthBackend marks failures to reach the run store, answered with
	// 500 rather than 401.
	errAuthBackend = errors.New("daemon auth backend")
)

// daemonPrincipal is an authenticated daemon.
type daemonPrincipal struct {
	Claims *daemontoken.Claims
	// Run is set in strict mode.
	Run *persistence.RunContext
}

// authenticateDaemon verifies the bearer token and, in strict mode, its run
// context. Failures other than errAuthBackend map to 401.
func (s *Server) authenticateDaemon(ctx context.Context, r *http.Request) (*daemonPrincipal, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, errMissingToken
	}
	if s.cfg.Keyring == nil {
		return nil, errors.New("no signing keys loaded")
	}
	claims, err := s.cfg.Keyring.Verify(token)
	if err != nil {
		return nil, err
	}
	p := &daemonPrincipal{Claims: claims}
	if !s.cfg.StrictRunContext {
		return p, nil
	}
	rc, err := s.cfg.Store.GetRunContext(ctx, claims.RunID)
	if errors.Is(err, persistence.ErrNotFound) {
		rc = nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: load run context: %v", errAuthBackend, err)
	}
	if err := claims.MatchRun(rc); err != nil {
		return nil, err
	}
	p.Run = rc
	return p, nil
}

// matchBody checks, in strict mode, that the event addresses the run the
// token was minted for.
func (s *Server) matchBody(p *daemonPrincipal, ev *envelope.Event) error {
	if !s.cfg.StrictRunContext {
		return nil
	}
	if ev.ThreadID != p.Claims.ThreadID {
		return fmt.Errorf("%w: body threadId", daemontoken.ErrRunMismatch)
	}
	if ev.Envelope != nil && ev.Envelope.RunID != p.Claims.RunID {
		return fmt.Errorf("%w: body runId", daemontoken.ErrRunMismatch)
	}
	return nil
}
