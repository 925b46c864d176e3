package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    analysis_id INTEGER NOT NULL,
    name        TEXT NOT NULL,
    ns          TEXT NOT NULL,
    slot        INTEGER NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT,
    revision    INTEGER NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createEngineEventsTable = `
CREATE TABLE IF NOT EXISTS engine_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    slot       INTEGER NOT NULL,
    type       TEXT NOT NULL,
    message    TEXT NOT NULL,
    cause      TEXT,
    created_at DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, ddl := range []string{createRunsTable, createEngineEventsTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRun records a finalized analysis dispatch.
func (s *SQLiteStore) InsertRun(ctx context.Context, r *Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (analysis_id, name, ns, slot, status, error, revision, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AnalysisID, r.Name, r.NS, r.Slot, r.Status, r.Error, r.Revision, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, analysis_id, name, ns, slot, status, error, revision, created_at
		 FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r := &Run{}
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.Name, &r.NS, &r.Slot, &r.Status, &errMsg, &r.Revision, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		r.Error = errMsg.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return out, total, nil
}

// InsertEngineEvent records an engine fault.
func (s *SQLiteStore) InsertEngineEvent(ctx context.Context, ev *EngineEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_events (slot, type, message, cause, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.Slot, ev.Type, ev.Message, ev.Cause, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert engine event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ListEngineEvents returns the most recent engine events, newest first.
func (s *SQLiteStore) ListEngineEvents(ctx context.Context, limit int) ([]*EngineEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slot, type, message, cause, created_at
		 FROM engine_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list engine events: %w", err)
	}
	defer rows.Close()

	var out []*EngineEvent
	for rows.Next() {
		ev := &EngineEvent{}
		var cause sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Slot, &ev.Type, &ev.Message, &cause, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan engine event: %w", err)
		}
		ev.Cause = cause.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engine events: %w", err)
	}
	return out, nil
}

// GetRunStats computes aggregate run statistics.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run stats: %w", err)
	}
	return stats, nil
}
