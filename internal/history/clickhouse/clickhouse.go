package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/keepalive/internal/history"
)

// Options selects the server and target table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends recovery attempts to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	table := history.TableOr(opts.Table)
	if err := history.CheckTable(table); err != nil {
		return nil, err
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			attempt_id UUID,
			occurred_at DateTime64(3),
			strategy LowCardinality(String),
			failures UInt32,
			outcome LowCardinality(String),
			health LowCardinality(String),
			duration_ms Int64,
			errors Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, attempt_id)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (attempt_id, occurred_at, strategy, failures, outcome, health, duration_ms, errors) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var errs *string
	if e.Errors != "" {
		errs = &e.Errors
	}
	err := s.conn.Exec(ctx, query,
		e.AttemptID,
		e.OccurredAt,
		e.Strategy,
		uint32(e.Failures),
		e.Outcome,
		e.Health,
		e.DurationMS,
		errs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
