package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/keepalive/internal/health"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/recovery"
)

// State is a phase of the supervisor loop.
type State string

const (
	StateStarting     State = "starting"
	StateMonitoring   State = "monitoring"
	StateRecovering   State = "recovering"
	StateCoolingDown  State = "cooling_down"
	StateShuttingDown State = "shutting_down"
)

// Status is the externally visible view of the supervisor. It is written to
// the status file after every cycle and served by the status endpoint.
type Status struct {
	State            State                   `json:"state"`
	PID              int                     `json:"pid"`
	StartedAt        time.Time               `json:"started_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	Cycles           uint64                  `json:"cycles"`
	Failures         int                     `json:"consecutive_failures"`
	AttemptsInWindow int                     `json:"attempts_in_window"`
	SuspendedUntil   *time.Time              `json:"suspended_until,omitempty"`
	LastHealth       *health.Snapshot        `json:"last_health,omitempty"`
	LastAttempt      *recovery.Attempt       `json:"last_attempt,omitempty"`
	Resources        *metrics.Resources      `json:"resources,omitempty"`
	Bot              *metrics.ProcessMetrics `json:"bot,omitempty"`
}

// writeStatus stores st as indented JSON via a temp file and rename.
func writeStatus(path string, st Status) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// ReadStatus loads a status file written by a running supervisor.
func ReadStatus(path string) (Status, error) {
	var st Status
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(b, &st)
	return st, err
}
