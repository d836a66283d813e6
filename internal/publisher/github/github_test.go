package github

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeGitHub struct {
	mu        sync.Mutex
	labels    []string
	calls     []string
	failFirst int
	auth      string
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.auth = r.Header.Get("Authorization")
	if f.failFirst > 0 {
		f.failFirst--
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"message":"bad gateway"}`)
		return
	}

	const base = "/repos/acme/widgets/issues/7/labels"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == base:
		out := make([]map[string]string, 0, len(f.labels))
		for _, l := range f.labels {
			out = append(out, map[string]string{"name": l})
		}
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodPost && r.URL.Path == base:
		var add []string
		_ = json.NewDecoder(r.Body).Decode(&add)
		f.labels = append(f.labels, add...)
		_ = json.NewEncoder(w).Encode([]map[string]string{})
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, base+"/"):
		name := strings.TrimPrefix(r.URL.Path, base+"/")
		kept := f.labels[:0]
		for _, l := range f.labels {
			if l != name {
				kept = append(kept, l)
			}
		}
		f.labels = kept
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `[]`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"not found"}`)
	}
}

func newTestPublisher(t *testing.T, fake *fakeGitHub) *LabelPublisher {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	p, err := New(Config{Token: "gh-test-token", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.retryBase = time.Millisecond
	return p
}

func TestPublishState_ReplacesLoopLabel(t *testing.T) {
	fake := &fakeGitHub{labels: []string{"bug", "loop:implementing"}}
	p := newTestPublisher(t, fake)

	err := p.PublishState(context.Background(), Request{LoopID: "l1", Repo: "acme/widgets", PRNumber: 7, State: "human_review_ready"})
	if err != nil {
		t.Fatalf("PublishState: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.labels) != 2 || fake.labels[0] != "bug" || fake.labels[1] != "loop:human_review_ready" {
		t.Fatalf("labels = %v", fake.labels)
	}
	if fake.auth != "Bearer gh-test-token" {
		t.Fatalf("authorization = %q", fake.auth)
	}
}

func TestPublishState_AlreadyLabelled(t *testing.T) {
	fake := &fakeGitHub{labels: []string{"loop:done"}}
	p := newTestPublisher(t, fake)

	if err := p.PublishState(context.Background(), Request{Repo: "acme/widgets", PRNumber: 7, State: "done"}); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.calls) != 1 {
		t.Fatalf("expected only the list call, got %v", fake.calls)
	}
}

func TestPublishState_RetriesServerErrors(t *testing.T) {
	fake := &fakeGitHub{failFirst: 2}
	p := newTestPublisher(t, fake)

	if err := p.PublishState(context.Background(), Request{Repo: "acme/widgets", PRNumber: 7, State: "done"}); err != nil {
		t.Fatalf("PublishState: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.labels) != 1 || fake.labels[0] != "loop:done" {
		t.Fatalf("labels = %v", fake.labels)
	}
}

func TestPublishState_ClientErrorIsPermanent(t *testing.T) {
	fake := &fakeGitHub{}
	p := newTestPublisher(t, fake)

	err := p.PublishState(context.Background(), Request{Repo: "acme/other", PRNumber: 7, State: "done"})
	if err == nil {
		t.Fatal("expected 404 to fail")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.calls) != 1 {
		t.Fatalf("expected no retries on 404, got %v", fake.calls)
	}
}

func TestPublishState_Validation(t *testing.T) {
	p := newTestPublisher(t, &fakeGitHub{})
	if err := p.PublishState(context.Background(), Request{Repo: "nope", PRNumber: 7, State: "done"}); err == nil {
		t.Fatal("expected bad repo to fail")
	}
	if err := p.PublishState(context.Background(), Request{Repo: "acme/widgets", State: "done"}); err == nil {
		t.Fatal("expected missing PR to fail")
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in    string
		owner string
		name  string
		ok    bool
	}{
		{"acme/widgets", "acme", "widgets", true},
		{" acme/widgets ", "acme", "widgets", true},
		{"acme", "", "", false},
		{"acme/", "", "", false},
		{"/widgets", "", "", false},
		{"a/b/c", "", "", false},
	}
	for _, tc := range tests {
		owner, name, err := SplitRepo(tc.in)
		if (err == nil) != tc.ok || owner != tc.owner || name != tc.name {
			t.Fatalf("SplitRepo(%q) = %q, %q, %v", tc.in, owner, name, err)
		}
	}
}
