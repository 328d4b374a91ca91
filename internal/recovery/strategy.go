package recovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/keepalive/internal/health"
)

// Strategy is a rung of the escalation ladder.
type Strategy int

const (
	None Strategy = iota
	SoftRefresh
	KillAndRespawn
	NuclearReset
)

var strategyNames = [...]string{"none", "soft_refresh", "kill_and_respawn", "nuclear_reset"}

func (s Strategy) String() string {
	if s < None || s > NuclearReset {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStrategy is the inverse of String.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return None, fmt.Errorf("unknown strategy %q", name)
}

// StrategyFor maps a failure streak to a rung: 1..softMax soft refresh,
// up to killMax kill and respawn, beyond that nuclear reset.
func StrategyFor(failures, softMax, killMax int) Strategy {
	switch {
	case failures <= 0:
		return None
	case failures <= softMax:
		return SoftRefresh
	case failures <= killMax:
		return KillAndRespawn
	default:
		return NuclearReset
	}
}

// Outcome of an attempt, judged by the confirming health check.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeUnknown Outcome = "unknown"
)

// Attempt is one executed recovery action.
type Attempt struct {
	ID        uuid.UUID     `json:"id"`
	Strategy  Strategy      `json:"strategy"`
	Failures  int           `json:"consecutive_failures"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	Health    health.Status `json:"health"`
	Errors    []string      `json:"errors,omitempty"`
}

// Decision is what the escalator wants done this cycle.
type Decision struct {
	Strategy  Strategy
	Failures  int
	Suspended bool
	// Until is when a suspended escalator may act again.
	Until time.Time
}

// Act reports whether a recovery action should run.
func (d Decision) Act() bool { return !d.Suspended && d.Strategy != None }
