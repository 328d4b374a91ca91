// Package history persists recovery attempts to an external store.
package history

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/keepalive/internal/recovery"
)

// DefaultTable receives attempts when no table is configured.
const DefaultTable = "recovery_history"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Event is one recovery attempt as stored by a sink.
type Event struct {
	AttemptID  string    `json:"attempt_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Strategy   string    `json:"strategy"`
	Failures   int       `json:"consecutive_failures"`
	Outcome    string    `json:"outcome"`
	Health     string    `json:"health"`
	DurationMS int64     `json:"duration_ms"`
	Errors     string    `json:"errors,omitempty"`
}

// Sink receives events. Implementations must be safe for sequential use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// FromAttempt flattens an attempt into a row.
func FromAttempt(a recovery.Attempt) Event {
	return Event{
		AttemptID:  a.ID.String(),
		OccurredAt: a.StartedAt.UTC(),
		Strategy:   a.Strategy.String(),
		Failures:   a.Failures,
		Outcome:    string(a.Outcome),
		Health:     string(a.Health),
		DurationMS: a.Duration.Milliseconds(),
		Errors:     strings.Join(a.Errors, "; "),
	}
}

// CheckTable rejects names that are not plain SQL identifiers; sinks
// interpolate the table into statements.
func CheckTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid history table name %q", name)
	}
	return nil
}

// TableOr returns name, or DefaultTable when name is blank.
func TableOr(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return DefaultTable
	}
	return name
}
