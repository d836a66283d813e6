package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/basket/loopd/internal/loop"
	"github.com/basket/loopd/internal/persistence"
)

func createLoop(t *testing.T, store *persistence.Store, threadID string) *persistence.Loop {
	t.Helper()
	l := &persistence.Loop{ThreadID: threadID, Repo: "acme/widgets", VideoRequired: true}
	if err := store.CreateLoop(context.Background(), l); err != nil {
		t.Fatalf("create loop: %v", err)
	}
	return l
}

func TestCreateAndGetLoop(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	l := createLoop(t, store, "t1")

	got, err := store.GetLoop(ctx, l.ID)
	if err != nil {
		t.Fatalf("get loop: %v", err)
	}
	if got.State != loop.StateEnrolled || got.LoopVersion != 0 || !got.VideoRequired || got.Repo != "acme/widgets" {
		t.Fatalf("unexpected loop %+v", got)
	}
	if _, err := store.GetLoop(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveLoopForThread_SkipsTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	l := createLoop(t, store, "t1")

	active, err := store.ActiveLoopForThread(ctx, "t1")
	if err != nil || active.ID != l.ID {
		t.Fatalf("expected active loop %s, got %v %v", l.ID, active, err)
	}

	e := &persistence.InboxEntry{
		DedupKey: persistence.DedupKey{LoopID: l.ID, CauseType: "operator", CanonicalCauseID: "stop-1", CauseIdentityVersion: 1},
		Payload:  persistence.InboxPayload{Signal: string(loop.SignalStopRequested)},
	}
	if _, err := store.EnqueueCommittedSignal(ctx, e); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ApplyLoopSignal(ctx, persistence.LoopUpdate{
		LoopID: l.ID, ExpectedVersion: 0, From: loop.StateEnrolled,
		Outcome: loop.Outcome{State: loop.StateStopped, Changed: true}, Signal: loop.SignalStopRequested, EntryID: e.ID,
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if _, err := store.ActiveLoopForThread(ctx, "t1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected no active loop after stop, got %v", err)
	}
	if _, err := store.ActiveLoopForThread(ctx, "other"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown thread, got %v", err)
	}
	active2, err := store.ListActiveLoops(ctx)
	if err != nil || len(active2) != 0 {
		t.Fatalf("expected no active loops, got %v %v", active2, err)
	}
}

func TestApplyLoopSignal_CompareAndSwap(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe("loop.transition")
	defer eventBus.Unsubscribe(sub)

	store, err := persistence.Open(t.TempDir()+"/loopd.db", eventBus)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	l := createLoop(t, store, "t1")

	enqueue := func(cause string) string {
		e := &persistence.InboxEntry{
			DedupKey: persistence.DedupKey{LoopID: l.ID, CauseType: "ci", CanonicalCauseID: cause, CauseIdentityVersion: 1},
		}
		if _, err := store.EnqueueCommittedSignal(ctx, e); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		return e.ID
	}
	first, second := enqueue("a"), enqueue("b")

	update := persistence.LoopUpdate{
		LoopID: l.ID, ExpectedVersion: 0, From: loop.StateEnrolled,
		Outcome: loop.Outcome{State: loop.StateImplementing, Changed: true},
		Signal:  loop.SignalImplementationStarted, EntryID: first,
	}
	version, err := store.ApplyLoopSignal(ctx, update)
	if err != nil || version != 1 {
		t.Fatalf("apply: version=%d err=%v", version, err)
	}

	// A stale writer loses and its inbox row stays pending.
	update.EntryID = second
	if _, err := store.ApplyLoopSignal(ctx, update); !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	pending, _ := store.ListPendingSignals(ctx, l.ID, 0)
	if len(pending) != 1 || pending[0].ID != second {
		t.Fatalf("expected second row still pending, got %+v", pending)
	}

	select {
	case ev := <-sub.Ch():
		got := ev.Payload.(bus.LoopTransitionEvent)
		if got.To != string(loop.StateImplementing) || got.LoopVersion != 1 {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for transition event")
	}
}

func TestLoopLease(t *testing.T) {
	store, _ := openTestStore(t)
	now := fixedClock(store)
	ctx := context.Background()
	l := createLoop(t, store, "t1")

	ok, err := store.AcquireLoopLease(ctx, l.ID, "daemon-event:e1:0", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	if ok, _ := store.AcquireLoopLease(ctx, l.ID, "sweeper:x", 30*time.Second); ok {
		t.Fatal("expected held lease to block another owner")
	}
	if ok, _ := store.AcquireLoopLease(ctx, l.ID, "daemon-event:e1:0", 30*time.Second); !ok {
		t.Fatal("expected owner to re-acquire")
	}

	*now = now.Add(time.Minute)
	if ok, _ := store.AcquireLoopLease(ctx, l.ID, "sweeper:x", 30*time.Second); !ok {
		t.Fatal("expected expired lease to be taken over")
	}
	if err := store.ReleaseLoopLease(ctx, l.ID, "daemon-event:e1:0"); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	got, _ := store.GetLoop(ctx, l.ID)
	if got.LeaseOwner != "sweeper:x" {
		t.Fatalf("non-owner release must not clear the lease, got %q", got.LeaseOwner)
	}
	if err := store.ReleaseLoopLease(ctx, l.ID, "sweeper:x"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = store.GetLoop(ctx, l.ID)
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("expected lease cleared, got %+v", got)
	}
}

func TestMarkPublished(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	l := createLoop(t, store, "t1")

	ok, err := store.MarkPublished(ctx, l.ID, loop.StateHumanReviewReady)
	if err != nil || !ok {
		t.Fatalf("first publish: %v %v", ok, err)
	}
	if ok, _ := store.MarkPublished(ctx, l.ID, loop.StateHumanReviewReady); ok {
		t.Fatal("expected same state not to be recorded twice")
	}
	got, _ := store.GetLoop(ctx, l.ID)
	if got.PublishedState != string(loop.StateHumanReviewReady) {
		t.Fatalf("unexpected published state %q", got.PublishedState)
	}
}

func TestLoopsAwaitingPublication(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	ready := &persistence.Loop{ThreadID: "t1", Repo: "acme/widgets", PRNumber: 5, State: loop.StateHumanReviewReady}
	published := &persistence.Loop{ThreadID: "t2", Repo: "acme/widgets", PRNumber: 6, State: loop.StateDone}
	noPR := &persistence.Loop{ThreadID: "t3", Repo: "acme/widgets", State: loop.StateDone}
	working := &persistence.Loop{ThreadID: "t4", Repo: "acme/widgets", PRNumber: 7, State: loop.StateImplementing}
	for _, l := range []*persistence.Loop{ready, published, noPR, working} {
		if err := store.CreateLoop(ctx, l); err != nil {
			t.Fatalf("create loop: %v", err)
		}
	}
	if _, err := store.MarkPublished(ctx, published.ID, loop.StateDone); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	ids, err := store.LoopsAwaitingPublication(ctx)
	if err != nil {
		t.Fatalf("loops awaiting publication: %v", err)
	}
	if len(ids) != 1 || ids[0] != ready.ID {
		t.Fatalf("expected only %s, got %v", ready.ID, ids)
	}
}
