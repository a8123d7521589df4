package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nkVas1/nkVasi-Flux2-LoRA-Manager/internal/history"
)

// Sink sends training run events to ClickHouse using the official client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (event, occurred_at, run_id, name, state, pid, exit_code, reason, started_at, stopped_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	// A run still in flight has no stop time; the column is Nullable.
	var stopped any
	if !e.Record.StoppedAt.IsZero() {
		stopped = e.Record.StoppedAt
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		e.Record.RunID,
		e.Record.Name,
		e.Record.State,
		e.Record.PID,
		e.Record.ExitCode,
		e.Record.Reason,
		e.Record.StartedAt,
		stopped,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
