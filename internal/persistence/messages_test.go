package persistence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/loopd/internal/persistence"
)

func TestThreadMessages_AppendAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	msgs := []persistence.ThreadMessage{
		{ThreadID: "t1", ThreadChatID: "c1", RunID: "r1", MessageType: "assistant", Content: json.RawMessage(`{"type":"assistant"}`)},
		{ThreadID: "t1", ThreadChatID: "c1", RunID: "r1", MessageType: "result", Content: json.RawMessage(`{"type":"result"}`)},
		{ThreadID: "t2", ThreadChatID: "c9", MessageType: "assistant", Content: json.RawMessage(`{}`)},
	}
	if err := store.AppendThreadMessages(ctx, msgs); err != nil {
		t.Fatalf("append: %v", err)
	}
	if msgs[0].ID == 0 || msgs[1].ID <= msgs[0].ID {
		t.Fatalf("expected increasing ids, got %d %d", msgs[0].ID, msgs[1].ID)
	}

	got, err := store.ListThreadMessages(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].MessageType != "result" {
		t.Fatalf("expected latest message only, got %+v", got)
	}
	got, _ = store.ListThreadMessages(ctx, "t1", 0)
	if len(got) != 2 || got[0].MessageType != "assistant" {
		t.Fatalf("expected oldest first, got %+v", got)
	}
	if string(got[1].Content) != `{"type":"result"}` {
		t.Fatalf("content not preserved: %s", got[1].Content)
	}
}

func TestRunRetention_KeepsTerminalInboxRows(t *testing.T) {
	store, _ := openTestStore(t)
	now := fixedClock(store)
	ctx := context.Background()

	live := claimLive(t, store, testKey("l1", "old-live"), "r1", 0)
	processed := &persistence.InboxEntry{DedupKey: persistence.DedupKey{LoopID: "l1", CauseType: "ci", CanonicalCauseID: "old-done", CauseIdentityVersion: 1}}
	if _, err := store.EnqueueCommittedSignal(ctx, processed); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.MarkInboxProcessed(ctx, processed.ID, ""); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := store.AppendThreadMessages(ctx, []persistence.ThreadMessage{{ThreadID: "t1", ThreadChatID: "c1", Content: json.RawMessage(`{}`)}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	*now = now.Add(400 * 24 * time.Hour)
	res, err := store.RunRetention(ctx, 30, 30)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedMessages != 1 {
		t.Fatalf("unexpected retention result %+v", res)
	}
	for _, id := range []string{live.ID, processed.ID} {
		if _, err := store.GetInboxEntry(ctx, id); err != nil {
			t.Fatalf("inbox row %s must survive retention: %v", id, err)
		}
	}

	// Idempotent.
	res, err = store.RunRetention(ctx, 30, 30)
	if err != nil || res.PurgedMessages != 0 || res.PurgedAuditLog != 0 {
		t.Fatalf("second run: %+v %v", res, err)
	}
}
