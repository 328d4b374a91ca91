package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/keepalive/internal/history"
)

// Sink writes recovery attempts to a SQLite database.
type Sink struct {
	db    *sql.DB
	table string
}

// New opens a SQLite sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn, table string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	table = history.TableOr(table)
	if err := history.CheckTable(table); err != nil {
		return nil, err
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a second connection to ":memory:" would see an empty database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db, table: table}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
		attempt_id TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		strategy TEXT NOT NULL,
		failures INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		health TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		errors TEXT
	);`, s.table)
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(attempt_id, occurred_at, strategy, failures, outcome, health, duration_ms, errors)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`, s.table),
		e.AttemptID, e.OccurredAt.UTC(), e.Strategy, e.Failures, e.Outcome, e.Health, e.DurationMS, nullable(e.Errors))
	return err
}

// Count returns the number of stored attempts.
func (s *Sink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
