package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. It is the
// default backend: zero setup, one file next to the logs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at config.Path. An empty
// path yields an in-memory database, useful for tests.
func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	path := config.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(1) // SQLite works best with a single connection
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxAge > 0 {
		db.SetConnMaxLifetime(config.ConnMaxAge)
	}

	s := &SQLiteStore{db: db}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS training_runs (
    run_id     TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    state      TEXT NOT NULL,
    pid        INTEGER NOT NULL DEFAULT 0,
    exit_code  INTEGER NOT NULL DEFAULT -1,
    reason     TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP,
    stopped_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_name ON training_runs(name, updated_at DESC);
`)
	return err
}

func (s *SQLiteStore) RecordRun(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO training_runs (run_id, name, state, pid, exit_code, reason, started_at, stopped_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    state = excluded.state,
    pid = excluded.pid,
    exit_code = excluded.exit_code,
    reason = excluded.reason,
    stopped_at = excluded.stopped_at,
    updated_at = excluded.updated_at`,
		rec.RunID, rec.Name, rec.State, rec.PID, rec.ExitCode, rec.Reason,
		nullTime(rec.StartedAt), nullTime(rec.StoppedAt), rec.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+" WHERE run_id = ?", runID)
	return scanRun(row)
}

func (s *SQLiteStore) LatestRun(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		selectRuns+" WHERE name = ? ORDER BY updated_at DESC LIMIT 1", name)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, name string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectRuns+" WHERE name = ? ORDER BY updated_at DESC LIMIT ?", name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM training_runs WHERE run_id = ?`, runID)
	return err
}

const selectRuns = `SELECT run_id, name, state, pid, exit_code, reason, started_at, stopped_at, updated_at FROM training_runs`

type rowScanner interface{ Scan(dest ...any) error }

func scanRun(row rowScanner) (Record, error) {
	var rec Record
	var started, stopped sql.NullTime
	err := row.Scan(&rec.RunID, &rec.Name, &rec.State, &rec.PID, &rec.ExitCode,
		&rec.Reason, &started, &stopped, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.StartedAt = started.Time
	rec.StoppedAt = stopped.Time
	return rec, nil
}

func collectRuns(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
