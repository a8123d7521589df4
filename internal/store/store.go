package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run matches the query.
var ErrNotFound = errors.New("store: run not found")

// Record is one training run as persisted. RunID is unique; a run is
// upserted on every lifecycle transition so the row always reflects the
// latest observed state.
type Record struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	ExitCode  int       `json:"exit_code"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists training run history and supports recovery queries.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordRun(ctx context.Context, rec Record) error
	GetRun(ctx context.Context, runID string) (Record, error)
	LatestRun(ctx context.Context, name string) (Record, error)
	ListRuns(ctx context.Context, name string, limit int) ([]Record, error)
	DeleteRun(ctx context.Context, runID string) error
	Close() error
}

// Config selects and tunes the backing database.
type Config struct {
	Type         string        `json:"type" mapstructure:"type"` // "sqlite" (default) or "postgres"
	Path         string        `json:"path" mapstructure:"path"` // sqlite file, ":memory:" when empty
	DSN          string        `json:"dsn" mapstructure:"dsn"`   // postgres connection string
	MaxOpenConns int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxAge   time.Duration `json:"conn_max_age" mapstructure:"conn_max_age"`
}
