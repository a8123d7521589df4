package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store on PostgreSQL via the pgx stdlib driver.
// It serves multi-host deployments where run history must outlive the
// machine the training ran on.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects using config.DSN (any pgx-accepted form).
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a dsn")
	}
	db, err := sql.Open("pgx", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxAge > 0 {
		db.SetConnMaxLifetime(config.ConnMaxAge)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &PostgresStore{db: db}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS training_runs (
    run_id     TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    state      TEXT NOT NULL,
    pid        INTEGER NOT NULL DEFAULT 0,
    exit_code  INTEGER NOT NULL DEFAULT -1,
    reason     TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ,
    stopped_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_name ON training_runs(name, updated_at DESC)`)
	return err
}

func (s *PostgresStore) RecordRun(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO training_runs (run_id, name, state, pid, exit_code, reason, started_at, stopped_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id) DO UPDATE SET
    state = EXCLUDED.state,
    pid = EXCLUDED.pid,
    exit_code = EXCLUDED.exit_code,
    reason = EXCLUDED.reason,
    stopped_at = EXCLUDED.stopped_at,
    updated_at = EXCLUDED.updated_at`,
		rec.RunID, rec.Name, rec.State, rec.PID, rec.ExitCode, rec.Reason,
		nullTime(rec.StartedAt), nullTime(rec.StoppedAt), rec.UpdatedAt)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, selectRuns+" WHERE run_id = $1", runID)
	return scanRun(row)
}

func (s *PostgresStore) LatestRun(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		selectRuns+" WHERE name = $1 ORDER BY updated_at DESC LIMIT 1", name)
	return scanRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, name string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectRuns+" WHERE name = $1 ORDER BY updated_at DESC LIMIT $2", name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectRuns(rows)
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM training_runs WHERE run_id = $1`, runID)
	return err
}
