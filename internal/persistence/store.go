package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/loopd/internal/bus"
	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "loopd-v1-2026-10-01-signal-inbox"

	// v2 adds signal_inbox.note for processed-without-transition rows.
	schemaVersionV2  = 2
	schemaChecksumV2 = "loopd-v2-2026-10-09-inbox-note"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrConflict is returned when a compare-and-swap write matched no row.
	ErrConflict = errors.New("persistence: concurrent update")
)

// Store is the SQLite-backed home of the signal inbox, run contexts, loops
// and thread messages.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time

	migratedFrom int
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loopd", "loopd.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection serializes transactions; the claim mutex relies on
	// this to never hold a key while waiting for the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for stamps written by the store.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// MigratedFrom reports the schema version found on open, and whether a
// migration ran.
func (s *Store) MigratedFrom() (int, bool) {
	return s.migratedFrom, s.migratedFrom != schemaVersionLatest
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff on top of the driver's busy_timeout. Other errors are permanent.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := f()
		if err != nil && !isSQLiteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx))
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	s.migratedFrom = maxVersion

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS signal_inbox (
			id TEXT PRIMARY KEY,
			loop_id TEXT NOT NULL,
			cause_type TEXT NOT NULL,
			canonical_cause_id TEXT NOT NULL,
			cause_identity_version INTEGER NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			received_at DATETIME NOT NULL,
			committed_at DATETIME,
			processed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS run_contexts (
			run_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			thread_chat_id TEXT NOT NULL,
			sandbox_id TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL,
			transport_mode TEXT NOT NULL CHECK(transport_mode IN ('legacy', 'acp')),
			protocol_version INTEGER NOT NULL DEFAULT 1,
			token_nonce TEXT NOT NULL DEFAULT '',
			daemon_token_key_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'dispatched', 'completed', 'failed', 'stopped')),
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sdlc_loops (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			repo TEXT NOT NULL DEFAULT '',
			pr_number INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			loop_version INTEGER NOT NULL DEFAULT 0,
			video_required INTEGER NOT NULL DEFAULT 1,
			published_state TEXT NOT NULL DEFAULT '',
			lease_owner TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			thread_chat_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT '',
			content_json TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			policy TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: backfills. Runs for fresh databases too, so v1 and fresh
	// schemas converge.
	if _, err := tx.ExecContext(ctx, `ALTER TABLE signal_inbox ADD COLUMN note TEXT NOT NULL DEFAULT '';`); err != nil {
		return fmt.Errorf("backfill signal_inbox.note: %w", err)
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_signal_inbox_dedup ON signal_inbox(loop_id, cause_type, canonical_cause_id, cause_identity_version);`,
		`CREATE INDEX IF NOT EXISTS idx_signal_inbox_loop_cause ON signal_inbox(loop_id, cause_type);`,
		`CREATE INDEX IF NOT EXISTS idx_signal_inbox_pending ON signal_inbox(loop_id, processed_at, committed_at, received_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sdlc_loops_thread ON sdlc_loops(thread_id, state);`,
		`CREATE INDEX IF NOT EXISTS idx_run_contexts_thread ON run_contexts(thread_id);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages(thread_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Tx is a store transaction. Hooks registered with OnEnd run after the
// transaction commits or rolls back, in reverse order of registration.
type Tx struct {
	tx          *sql.Tx
	now         time.Time
	onEnd       []func()
	afterCommit []func()
}

// Now is the store clock reading taken when the transaction began.
func (t *Tx) Now() time.Time { return t.now }

// OnEnd registers f to run once the transaction has ended.
func (t *Tx) OnEnd(f func()) { t.onEnd = append(t.onEnd, f) }

// AfterCommit registers f to run only if the transaction commits.
func (t *Tx) AfterCommit(f func()) { t.afterCommit = append(t.afterCommit, f) }

// InTx runs fn inside one transaction. fn's error rolls the transaction back
// and is returned unchanged. The whole attempt is retried when SQLite reports
// BUSY, so fn must not have effects outside the transaction other than
// OnEnd hooks.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		return s.inTxOnce(ctx, fn)
	})
}

func (s *Store) inTxOnce(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	t := &Tx{tx: sqlTx, now: s.Now()}
	defer func() {
		for i := len(t.onEnd) - 1; i >= 0; i-- {
			t.onEnd[i]()
		}
	}()

	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	for _, f := range t.afterCommit {
		f()
	}
	return nil
}

// MetricsCounts is a snapshot of inbox and loop counters for /metrics.
type MetricsCounts struct {
	InboxLive      int64            `json:"inbox_live"`
	InboxCommitted int64            `json:"inbox_committed"`
	InboxProcessed int64            `json:"inbox_processed"`
	LoopsByState   map[string]int64 `json:"loops_by_state"`
	RunsByStatus   map[string]int64 `json:"runs_by_status"`
}

func (s *Store) MetricsCounts(ctx context.Context) (MetricsCounts, error) {
	var mc MetricsCounts
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN committed_at IS NULL AND processed_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN committed_at IS NOT NULL AND processed_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM signal_inbox;
	`).Scan(&mc.InboxLive, &mc.InboxCommitted, &mc.InboxProcessed); err != nil {
		return mc, fmt.Errorf("inbox counts: %w", err)
	}

	var err error
	if mc.LoopsByState, err = s.groupCount(ctx, `SELECT state, COUNT(*) FROM sdlc_loops GROUP BY state;`); err != nil {
		return mc, fmt.Errorf("loop counts: %w", err)
	}
	if mc.RunsByStatus, err = s.groupCount(ctx, `SELECT status, COUNT(*) FROM run_contexts GROUP BY status;`); err != nil {
		return mc, fmt.Errorf("run counts: %w", err)
	}
	return mc, nil
}

func (s *Store) groupCount(ctx context.Context, q string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
