package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/loopd/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "loopd.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

// fixedClock returns a settable clock starting at a fixed instant.
func fixedClock(store *persistence.Store) *time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	return &now
}

func queryOneString(t *testing.T, db *sql.DB, q string, args ...any) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q, args...).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_WritesSchemaLedger(t *testing.T) {
	store, _ := openTestStore(t)

	checksum := queryOneString(t, store.DB(), `SELECT checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`)
	if checksum == "" {
		t.Fatal("expected schema checksum to be recorded")
	}
	from, migrated := store.MigratedFrom()
	if from != 0 || !migrated {
		t.Fatalf("expected fresh migration from 0, got from=%d migrated=%v", from, migrated)
	}
	for _, table := range []string{"signal_inbox", "run_contexts", "sdlc_loops", "thread_messages", "audit_log"} {
		name := queryOneString(t, store.DB(), `SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table)
		if name != table {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestOpen_ReopenIsNoop(t *testing.T) {
	store, dbPath := openTestStore(t)
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	if _, migrated := reopened.MigratedFrom(); migrated {
		t.Fatal("expected no migration on reopen")
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatal("expected error opening a database from a newer release")
	}
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var ended, committed bool
	err := store.InTx(ctx, func(tx *persistence.Tx) error {
		tx.OnEnd(func() { ended = true })
		tx.AfterCommit(func() { committed = true })
		if _, err := tx.InsertInboxEntry(ctx, &persistence.InboxEntry{DedupKey: testKey("l1", "e1")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !ended || committed {
		t.Fatalf("expected end hook only, ended=%v committed=%v", ended, committed)
	}
	if _, err := store.FindInboxEntry(ctx, testKey("l1", "e1")); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected insert to be rolled back, got %v", err)
	}
}

func TestMetricsCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	l := &persistence.Loop{ThreadID: "t1"}
	if err := store.CreateLoop(ctx, l); err != nil {
		t.Fatalf("create loop: %v", err)
	}
	claimLive(t, store, testKey(l.ID, "live"), "r1", 0)
	if _, err := store.EnqueueCommittedSignal(ctx, &persistence.InboxEntry{DedupKey: persistence.DedupKey{
		LoopID: l.ID, CauseType: "ci", CanonicalCauseID: "run-9", CauseIdentityVersion: 1,
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mc, err := store.MetricsCounts(ctx)
	if err != nil {
		t.Fatalf("metrics counts: %v", err)
	}
	if mc.InboxLive != 1 || mc.InboxCommitted != 1 || mc.InboxProcessed != 0 {
		t.Fatalf("unexpected inbox counts %+v", mc)
	}
	if mc.LoopsByState["enrolled"] != 1 {
		t.Fatalf("expected one enrolled loop, got %v", mc.LoopsByState)
	}
}
