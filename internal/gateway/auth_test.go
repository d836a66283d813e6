package gateway_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/loopd/internal/gateway"
)

func TestOperatorAuth_Wrap(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header map[string]string
		query  string
		want   int
	}{
		{"bearer", "op-key", map[string]string{"Authorization": "Bearer op-key"}, "", http.StatusOK},
		{"lowercase bearer", "op-key", map[string]string{"Authorization": "bearer op-key"}, "", http.StatusOK},
		{"x-api-key", "op-key", map[string]string{"X-API-Key": "op-key"}, "", http.StatusOK},
		{"query param", "op-key", nil, "?api_key=op-key", http.StatusOK},
		{"missing", "op-key", nil, "", http.StatusUnauthorized},
		{"wrong", "op-key", map[string]string{"X-API-Key": "nope"}, "", http.StatusForbidden},
		{"unconfigured key rejects everything", "", map[string]string{"X-API-Key": "anything"}, "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := gateway.NewOperatorAuth(tt.key, nil).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/loops/x"+tt.query, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if called != (tt.want == http.StatusOK) {
				t.Fatalf("inner handler called = %v", called)
			}
		})
	}
}

func TestExtractAPIKey_Precedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/loops/x?api_key=query", nil)
	req.Header.Set("X-API-Key", "header")
	req.Header.Set("Authorization", "Bearer bearer")
	if got := gateway.ExtractAPIKey(req); got != "bearer" {
		t.Fatalf("got %q, want bearer", got)
	}
	req.Header.Del("Authorization")
	if got := gateway.ExtractAPIKey(req); got != "header" {
		t.Fatalf("got %q, want header", got)
	}
	req.Header.Del("X-API-Key")
	if got := gateway.ExtractAPIKey(req); got != "query" {
		t.Fatalf("got %q, want query", got)
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	h := gateway.RequestSizeLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			var tooLarge *http.MaxBytesError
			if !errors.As(err, &tooLarge) {
				t.Errorf("unexpected read error %v", err)
			}
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for body, want := range map[string]int{"short": http.StatusOK, "much too long": http.StatusRequestEntityTooLarge} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/loops", strings.NewReader(body)))
		if rec.Code != want {
			t.Fatalf("body %q: expected %d, got %d", body, want, rec.Code)
		}
	}
}
