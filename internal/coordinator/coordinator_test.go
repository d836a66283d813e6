package coordinator_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/loop"
	"github.com/basket/loopd/internal/persistence"
	"github.com/basket/loopd/internal/publisher/github"
	"github.com/google/uuid"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "loopd.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Each reading moves the clock forward so arrival order is unambiguous.
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	})
	return store
}

func createLoop(t *testing.T, store *persistence.Store, l *persistence.Loop) *persistence.Loop {
	t.Helper()
	if l.ThreadID == "" {
		l.ThreadID = "thread-1"
	}
	if err := store.CreateLoop(context.Background(), l); err != nil {
		t.Fatalf("create loop: %v", err)
	}
	return l
}

func enqueue(t *testing.T, store *persistence.Store, loopID, signal string, prNumber int) *persistence.InboxEntry {
	t.Helper()
	e := &persistence.InboxEntry{
		DedupKey: persistence.DedupKey{
			LoopID:               loopID,
			CauseType:            "operator",
			CanonicalCauseID:     "operator:" + uuid.NewString(),
			CauseIdentityVersion: 1,
		},
		Payload: persistence.InboxPayload{Signal: signal, PRNumber: prNumber},
	}
	inserted, err := store.EnqueueCommittedSignal(context.Background(), e)
	if err != nil || !inserted {
		t.Fatalf("enqueue %s: inserted=%v err=%v", signal, inserted, err)
	}
	return e
}

func getLoop(t *testing.T, store *persistence.Store, id string) *persistence.Loop {
	t.Helper()
	l, err := store.GetLoop(context.Background(), id)
	if err != nil {
		t.Fatalf("get loop: %v", err)
	}
	return l
}

func tick(t *testing.T, ticker *coordinator.SignalTicker, l *persistence.Loop, owner string) coordinator.SignalResult {
	t.Helper()
	res, err := ticker.Tick(context.Background(), coordinator.TickRequest{
		LoopID:          l.ID,
		LeaseOwnerToken: owner,
		Guardrail:       loop.GuardrailFor(l.LoopVersion, 0),
	})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return res
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []github.Request
	err   error
}

func (f *fakePublisher) PublishState(_ context.Context, req github.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestLeaseOwnerTokens(t *testing.T) {
	if got := coordinator.CommitLeaseOwner("e1", 3); got != "daemon-event:e1:3" {
		t.Fatalf("commit owner = %q", got)
	}
	if got := coordinator.DedupLeaseOwner("e1", 3); got != "daemon-event-dedup:e1:3" {
		t.Fatalf("dedup owner = %q", got)
	}
	a, b := coordinator.SweeperLeaseOwner(), coordinator.SweeperLeaseOwner()
	if !strings.HasPrefix(a, "sweeper:") || a == b {
		t.Fatalf("sweeper owners = %q, %q", a, b)
	}
}

func TestSignalTicker_AppliesInOrder(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{Repo: "acme/widgets"})
	enqueue(t, store, l.ID, "implementation_started", 0)
	enqueue(t, store, l.ID, "pr_linked", 12)
	enqueue(t, store, l.ID, "implementation_completed", 0)
	enqueue(t, store, l.ID, "gates_passed", 0)

	ticker := coordinator.NewSignalTicker(store, nil, nil)
	res := tick(t, ticker, l, "daemon-event:e1:0")
	if res.Applied != 4 || res.Discarded != 0 || res.Skipped != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.State != loop.StateHumanReviewReady {
		t.Fatalf("state = %s", res.State)
	}

	got := getLoop(t, store, l.ID)
	if got.State != loop.StateHumanReviewReady || got.PRNumber != 12 || got.LoopVersion != 4 {
		t.Fatalf("loop = %+v", got)
	}
	if got.LeaseOwner != "" {
		t.Fatalf("expected lease released, owner=%q", got.LeaseOwner)
	}
	pending, err := store.ListPendingSignals(context.Background(), l.ID, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected inbox drained, %d left", len(pending))
	}
}

func TestSignalTicker_DiscardsWithNote(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{})
	noSignal := enqueue(t, store, l.ID, "", 0)
	unknown := enqueue(t, store, l.ID, "bogus", 0)
	invalid := enqueue(t, store, l.ID, "gates_passed", 0)
	enqueue(t, store, l.ID, "implementation_started", 0)
	enqueue(t, store, l.ID, "pr_linked", 7)
	dup := enqueue(t, store, l.ID, "pr_linked", 8)

	ticker := coordinator.NewSignalTicker(store, nil, nil)
	res := tick(t, ticker, l, "sweeper:test")
	if res.Applied != 2 || res.Discarded != 4 {
		t.Fatalf("unexpected result %+v", res)
	}

	notes := map[string]string{
		noSignal.ID: "no signal",
		unknown.ID:  "unknown signal",
		invalid.ID:  "invalid transition",
		dup.ID:      "already linked",
	}
	for id, want := range notes {
		e, err := store.GetInboxEntry(context.Background(), id)
		if err != nil {
			t.Fatalf("get entry: %v", err)
		}
		if e.ProcessedAt == nil || !strings.Contains(e.Note, want) {
			t.Fatalf("entry %s: processed=%v note=%q, want note containing %q", id, e.ProcessedAt, e.Note, want)
		}
	}

	got := getLoop(t, store, l.ID)
	if got.PRNumber != 7 || got.State != loop.StateImplementing {
		t.Fatalf("loop = %+v", got)
	}

	// Nothing is retried.
	again := tick(t, ticker, got, "sweeper:test")
	if again.Applied != 0 || again.Discarded != 0 {
		t.Fatalf("expected empty second tick, got %+v", again)
	}
}

func TestSignalTicker_LeaseHeld(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{})
	enqueue(t, store, l.ID, "implementation_started", 0)

	ok, err := store.AcquireLoopLease(context.Background(), l.ID, "someone-else", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire lease: ok=%v err=%v", ok, err)
	}

	ticker := coordinator.NewSignalTicker(store, nil, nil)
	res := tick(t, ticker, l, "daemon-event:e1:0")
	if res.Skipped != coordinator.SkipLeaseHeld || res.Applied != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := getLoop(t, store, l.ID); got.LeaseOwner != "someone-else" {
		t.Fatalf("lease owner = %q", got.LeaseOwner)
	}
}

func TestSignalTicker_Guardrail(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{})
	enqueue(t, store, l.ID, "implementation_started", 0)
	enqueue(t, store, l.ID, "implementation_completed", 0)
	enqueue(t, store, l.ID, "gates_passed", 0)

	ticker := coordinator.NewSignalTicker(store, nil, nil)

	res, err := ticker.Tick(context.Background(), coordinator.TickRequest{
		LoopID:          l.ID,
		LeaseOwnerToken: "sweeper:test",
		Guardrail:       loop.Guardrail{Iteration: 0, MaxIterations: 2},
	})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Applied != 2 || res.Skipped != "max_iterations_reached" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = ticker.Tick(context.Background(), coordinator.TickRequest{
		LoopID:          l.ID,
		LeaseOwnerToken: "sweeper:test",
		Guardrail:       loop.Guardrail{KillSwitchEnabled: true},
	})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Skipped != "kill_switch_enabled" || res.Applied != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPublication_PublishesOncePerState(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicLoopPublished)
	defer b.Unsubscribe(sub)

	store := openTestStore(t, b)
	l := createLoop(t, store, &persistence.Loop{Repo: "acme/widgets", PRNumber: 12})
	enqueue(t, store, l.ID, "implementation_started", 0)
	enqueue(t, store, l.ID, "implementation_completed", 0)
	enqueue(t, store, l.ID, "gates_passed", 0)
	tick(t, coordinator.NewSignalTicker(store, nil, nil), l, "sweeper:test")

	pub := &fakePublisher{}
	pc := coordinator.NewPublicationCoordinator(store, pub, b, nil)
	req := coordinator.TickRequest{LoopID: l.ID, LeaseOwnerToken: "sweeper:test", Guardrail: loop.GuardrailFor(3, 0)}

	res, err := pc.Tick(context.Background(), req)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Published != string(loop.StateHumanReviewReady) {
		t.Fatalf("unexpected result %+v", res)
	}
	if pub.calls[0].Repo != "acme/widgets" || pub.calls[0].PRNumber != 12 {
		t.Fatalf("unexpected publish request %+v", pub.calls[0])
	}
	select {
	case ev := <-sub.Ch():
		if ev.Payload.(bus.LoopPublishedEvent).State != string(loop.StateHumanReviewReady) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected loop.published event")
	}

	res, err = pc.Tick(context.Background(), req)
	if err != nil {
		t.Fatalf("publish again: %v", err)
	}
	if res.Skipped != coordinator.SkipAlreadyPublished || pub.count() != 1 {
		t.Fatalf("expected no republish, result %+v calls %d", res, pub.count())
	}
}

func TestPublication_Skips(t *testing.T) {
	store := openTestStore(t, nil)
	pub := &fakePublisher{}

	notReady := createLoop(t, store, &persistence.Loop{Repo: "acme/widgets", PRNumber: 1})
	noPR := createLoop(t, store, &persistence.Loop{Repo: "acme/widgets", State: loop.StateDone})

	tests := []struct {
		name string
		pc   *coordinator.PublicationCoordinator
		id   string
		want string
	}{
		{"not publishable", coordinator.NewPublicationCoordinator(store, pub, nil, nil), notReady.ID, coordinator.SkipNotPublishable},
		{"no pull request", coordinator.NewPublicationCoordinator(store, pub, nil, nil), noPR.ID, coordinator.SkipNoPullRequest},
		{"disabled", coordinator.NewPublicationCoordinator(store, nil, nil, nil), notReady.ID, coordinator.SkipPublisherDisabled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.pc.Tick(context.Background(), coordinator.TickRequest{
				LoopID: tc.id, LeaseOwnerToken: "sweeper:test", Guardrail: loop.GuardrailFor(0, 0),
			})
			if err != nil {
				t.Fatalf("tick: %v", err)
			}
			if res.Skipped != tc.want {
				t.Fatalf("skipped = %q, want %q", res.Skipped, tc.want)
			}
		})
	}
	if pub.count() != 0 {
		t.Fatalf("expected no publish calls, got %d", pub.count())
	}
}

func TestPublication_FailureLeavesStateUnpublished(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{Repo: "acme/widgets", PRNumber: 3, State: loop.StateDone})
	pc := coordinator.NewPublicationCoordinator(store, &fakePublisher{err: errors.New("github down")}, nil, nil)

	_, err := pc.Tick(context.Background(), coordinator.TickRequest{LoopID: l.ID, LeaseOwnerToken: "x", Guardrail: loop.GuardrailFor(0, 0)})
	if err == nil {
		t.Fatal("expected publish failure")
	}
	got := getLoop(t, store, l.ID)
	if got.PublishedState != "" || got.LeaseOwner != "" {
		t.Fatalf("loop = %+v", got)
	}
}

func TestRunner_RunTicksThenPublishes(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{Repo: "acme/widgets", PRNumber: 4})
	for _, s := range []string{"implementation_started", "implementation_completed", "gates_passed", "human_approved"} {
		enqueue(t, store, l.ID, s, 0)
	}
	pub := &fakePublisher{}
	r := coordinator.NewRunner(coordinator.RunnerConfig{
		Store:       store,
		Publication: coordinator.NewPublicationCoordinator(store, pub, nil, nil),
	})
	defer r.Close(context.Background())

	res, err := r.Run(context.Background(), l.ID, coordinator.DedupLeaseOwner("e1", 0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Signals.Applied != 4 || res.Publication.Published != string(loop.StateDone) {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := getLoop(t, store, l.ID); got.PublishedState != string(loop.StateDone) {
		t.Fatalf("published state = %q", got.PublishedState)
	}
}

// pausingStore holds the first inbox listing until released.
type pausingStore struct {
	*persistence.Store
	once     sync.Once
	listed   chan struct{}
	released chan struct{}
}

func (p *pausingStore) ListPendingSignals(ctx context.Context, loopID string, limit int) ([]persistence.InboxEntry, error) {
	entries, err := p.Store.ListPendingSignals(ctx, loopID, limit)
	p.once.Do(func() {
		close(p.listed)
		<-p.released
	})
	return entries, err
}

func TestRunner_JoinedRunSeesLaterRows(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{})
	enqueue(t, store, l.ID, "implementation_started", 0)

	ps := &pausingStore{Store: store, listed: make(chan struct{}), released: make(chan struct{})}
	r := coordinator.NewRunner(coordinator.RunnerConfig{Store: ps})

	r.Spawn(l.ID, coordinator.CommitLeaseOwner("e1", 1), coordinator.TriggerPostCommit)
	<-ps.listed
	// This row is written after the in-flight run listed the inbox.
	enqueue(t, store, l.ID, "stop_requested", 0)
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), l.ID, coordinator.DedupLeaseOwner("e2", 2))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(ps.released)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := getLoop(t, store, l.ID); got.State != loop.StateStopped {
		t.Fatalf("state = %s, want stopped", got.State)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRunner_LeaderCancelDoesNotFailJoiners(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{})
	enqueue(t, store, l.ID, "implementation_started", 0)

	ps := &pausingStore{Store: store, listed: make(chan struct{}), released: make(chan struct{})}
	r := coordinator.NewRunner(coordinator.RunnerConfig{Store: ps})
	defer r.Close(context.Background())

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := r.Run(leaderCtx, l.ID, coordinator.DedupLeaseOwner("e1", 1))
		leaderDone <- err
	}()
	<-ps.listed

	joinerDone := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), l.ID, coordinator.CommitLeaseOwner("e2", 2))
		joinerDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// The leader's client goes away while the run is still listing.
	cancelLeader()
	select {
	case err := <-leaderDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("leader err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled leader kept waiting for the shared run")
	}

	close(ps.released)
	if err := <-joinerDone; err != nil {
		t.Fatalf("joiner inherited the leader's cancellation: %v", err)
	}
	if got := getLoop(t, store, l.ID); got.State != loop.StateImplementing {
		t.Fatalf("state = %s, want implementing", got.State)
	}
}

func TestRunner_RunMissingLoop(t *testing.T) {
	store := openTestStore(t, nil)
	r := coordinator.NewRunner(coordinator.RunnerConfig{Store: store})
	defer r.Close(context.Background())

	_, err := r.Run(context.Background(), "nope", "x")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunner_SpawnLogsFailuresAndDrains(t *testing.T) {
	store := openTestStore(t, nil)
	ok := createLoop(t, store, &persistence.Loop{})
	enqueue(t, store, ok.ID, "implementation_started", 0)

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	r := coordinator.NewRunner(coordinator.RunnerConfig{Store: store, Logger: logger})

	r.Spawn(ok.ID, coordinator.CommitLeaseOwner("e1", 0), coordinator.TriggerPostCommit)
	r.Spawn("missing-loop", coordinator.CommitLeaseOwner("e2", 0), coordinator.TriggerPostCommit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := getLoop(t, store, ok.ID); got.State != loop.StateImplementing {
		t.Fatalf("state = %s", got.State)
	}
	out := logs.String()
	if !strings.Contains(out, "best-effort tick failed") || !strings.Contains(out, "missing-loop") {
		t.Fatalf("expected failure to be logged, got %s", out)
	}

	// Spawn after Close is ignored.
	r.Spawn(ok.ID, "late", coordinator.TriggerSweeper)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestWaiter_WaitForLoop(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	l := createLoop(t, store, &persistence.Loop{})
	enqueue(t, store, l.ID, "stop_requested", 0)

	r := coordinator.NewRunner(coordinator.RunnerConfig{Store: store})
	defer r.Close(context.Background())
	w := coordinator.NewWaiter(b, store)

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Spawn(l.ID, "sweeper:test", coordinator.TriggerSweeper)
	}()

	got, err := w.WaitForLoop(context.Background(), l.ID, func(l *persistence.Loop) bool {
		return l.State.Terminal()
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.State != loop.StateStopped {
		t.Fatalf("state = %s", got.State)
	}
}

func TestWaiter_Timeout(t *testing.T) {
	store := openTestStore(t, nil)
	l := createLoop(t, store, &persistence.Loop{})
	w := coordinator.NewWaiter(nil, store)

	_, err := w.WaitForLoop(context.Background(), l.ID, func(l *persistence.Loop) bool {
		return l.State == loop.StateDone
	}, 150*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
