package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/latticeflow/abiflow/flow/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store. Designed for local durability
// across process restarts without standing up a separate database
// server: one file per flow's auxiliary history and snapshot archive,
// in WAL mode for concurrent readers.
//
// Schema:
//   - run_events: append-only status/callback history per run
//   - run_snapshots: most recent archived snapshot blob per run
//   - idempotency_keys: duplicate-commit prevention for SaveSnapshot
//   - events_outbox: transactional event delivery
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at
// path and ensures its schema exists. path may be ":memory:" for a
// private in-memory database, useful in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id)`,
		`CREATE TABLE IF NOT EXISTS run_snapshots (
			run_id TEXT NOT NULL PRIMARY KEY,
			step_id INTEGER NOT NULL,
			data BLOB NOT NULL,
			idempotency_key TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_data TEXT NOT NULL,
			emitted_at TIMESTAMP NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending ON events_outbox(emitted_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events_outbox(run_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveEvent appends rec to run_events, assigning the next Seq within
// runID inside a transaction so concurrent writers never collide on the
// same sequence number.
func (s *SQLiteStore) SaveEvent(ctx context.Context, runID string, rec EventRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM run_events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("query max seq: %w", err)
	}
	seq := int(maxSeq.Int64) + 1

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, node_id, status, event, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, seq, rec.NodeID, rec.Status, rec.Event, rec.Detail, rec.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// History returns every event recorded for runID, in Seq order.
func (s *SQLiteStore) History(ctx context.Context, runID string) ([]EventRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, node_id, status, event, detail, created_at
		FROM run_events WHERE run_id = ? ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var createdAt string
		if err := rows.Scan(&rec.Seq, &rec.NodeID, &rec.Status, &rec.Event, &rec.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.RunID = runID
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSnapshot archives rec, refusing a duplicate commit of an already
// used IdempotencyKey.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, rec SnapshotRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys (key_value) VALUES (?)`, rec.IdempotencyKey); err != nil {
			return fmt.Errorf("idempotency key already used or insert failed: %w", err)
		}
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_snapshots (run_id, step_id, data, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			step_id = excluded.step_id,
			data = excluded.data,
			idempotency_key = excluded.idempotency_key,
			created_at = excluded.created_at
	`, rec.RunID, rec.StepID, rec.Data, rec.IdempotencyKey, rec.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot retrieves the most recently archived snapshot for runID.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, runID string) (SnapshotRecord, error) {
	if err := s.checkOpen(); err != nil {
		return SnapshotRecord{}, err
	}

	var rec SnapshotRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_id, data, idempotency_key, created_at
		FROM run_snapshots WHERE run_id = ?
	`, runID).Scan(&rec.RunID, &rec.StepID, &rec.Data, &rec.IdempotencyKey, &createdAt)
	if err == sql.ErrNoRows {
		return SnapshotRecord{}, ErrNotFound
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("load snapshot: %w", err)
	}
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, nil
}

// PutPendingEvent enqueues ev onto the transactional outbox, keyed by
// Meta["event_id"] if present or "runID:seq:nodeID" otherwise.
func (s *SQLiteStore) PutPendingEvent(ctx context.Context, ev emit.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	id, _ := ev.Meta["event_id"].(string)
	if id == "" {
		id = fmt.Sprintf("%s:%d:%s", ev.RunID, ev.Seq, ev.NodeID)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events_outbox (id, run_id, event_data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET event_data = excluded.event_data
	`, id, ev.RunID, string(data))
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// PendingEvents retrieves events from the outbox that haven't been
// emitted yet, oldest first.
func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_data FROM events_outbox
		WHERE emitted_at IS NULL ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev emit.Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkEventsEmitted marks outbox entries delivered so PendingEvents
// won't return them again.
func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := ""
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE events_outbox SET emitted_at = CURRENT_TIMESTAMP WHERE id IN (%s)`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark events emitted: %w", err)
	}
	return nil
}

// Close closes the underlying database connection. Safe to call more
// than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
