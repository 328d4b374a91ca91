// Package recovery decides how hard to hit a failing bot and carries it out.
// The ladder is keyed on the consecutive-failure streak; a sliding window of
// past attempts caps how often any action may run.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/keepalive/internal/health"
)

// Policy holds the ladder thresholds and pacing.
type Policy struct {
	SoftMax     int           `mapstructure:"soft_max"`
	KillMax     int           `mapstructure:"kill_max"`
	Window      time.Duration `mapstructure:"window"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
	BaseWait    time.Duration `mapstructure:"base_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
	Grace       time.Duration `mapstructure:"grace"`
	AuthJump    int           `mapstructure:"auth_jump"`
}

func DefaultPolicy() Policy {
	return Policy{
		SoftMax:     3,
		KillMax:     10,
		Window:      time.Hour,
		MaxAttempts: 20,
		Cooldown:    60 * time.Second,
		BaseWait:    3 * time.Second,
		MaxWait:     60 * time.Second,
		Grace:       10 * time.Second,
		AuthJump:    3,
	}
}

// Actions are the side effects the escalator orchestrates. Implementations
// log and return errors; they must not block past their own timeouts.
type Actions interface {
	// Refresh signals the credential refresher. force also purges cached tokens.
	Refresh(ctx context.Context, force bool) error
	// Stop terminates the bot, or every related process when all is set.
	Stop(ctx context.Context, all bool) error
	// CleanLocks removes the bot's lock files, or all but the supervisor's own.
	CleanLocks(all bool) error
	// Respawn starts the bot, and the web server too when all is set.
	Respawn(ctx context.Context, all bool) error
	// Check runs the confirming health probe.
	Check(ctx context.Context) health.Snapshot
}

// Escalator tracks the failure streak and the attempt window. Observe and
// Decide are called once per cycle from a single loop; the mutex only guards
// reads from the status endpoint.
type Escalator struct {
	Policy  Policy
	Actions Actions
	Now     func() time.Time
	// Sleep waits d or until ctx ends, reporting whether the full wait elapsed.
	Sleep func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	failures int
	window   *Window
	last     *Attempt
}

func New(p Policy, a Actions) *Escalator {
	return &Escalator{Policy: p, Actions: a, window: NewWindow(p.Window)}
}

func (e *Escalator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Escalator) sleep(ctx context.Context, d time.Duration) bool {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// SleepContext waits d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Observe folds one health observation into the streak and returns it.
// A healthy snapshot resets the streak to zero; the attempt window is kept.
// An authentication signal advances the streak by AuthJump instead of one.
func (e *Escalator) Observe(s health.Snapshot, auth bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.Healthy() {
		if e.failures > 0 {
			slog.Info("bot healthy again, failure streak reset", "was", e.failures)
		}
		e.failures = 0
		return 0
	}
	step := 1
	if auth && e.Policy.AuthJump > 1 {
		step = e.Policy.AuthJump
	}
	e.failures += step
	return e.failures
}

func (e *Escalator) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// AttemptsInWindow counts attempts still inside the sliding window.
func (e *Escalator) AttemptsInWindow() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Len(e.now())
}

// LastAttempt returns a copy of the most recent attempt, if any.
func (e *Escalator) LastAttempt() (Attempt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Attempt{}, false
	}
	return *e.last, true
}

// Decide picks the rung for the current streak. Once MaxAttempts attempts sit
// in the window, every action is suspended until the oldest one ages out.
func (e *Escalator) Decide() Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	d := Decision{
		Strategy: StrategyFor(e.failures, e.Policy.SoftMax, e.Policy.KillMax),
		Failures: e.failures,
	}
	if d.Strategy == None {
		return d
	}
	if e.Policy.MaxAttempts > 0 && e.window.Len(now) >= e.Policy.MaxAttempts {
		oldest, _ := e.window.Oldest(now)
		d.Suspended = true
		d.Until = oldest.Add(e.Policy.Window)
	}
	return d
}

// Backoff is the pause after an attempt: BaseWait per consecutive failure,
// capped at MaxWait.
func (e *Escalator) Backoff() time.Duration {
	e.mu.Lock()
	n := e.failures
	e.mu.Unlock()
	return linearBackoff(n, e.Policy.BaseWait, e.Policy.MaxWait)
}

func linearBackoff(n int, base, ceiling time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	w := base * time.Duration(n)
	if w > ceiling || w < 0 {
		return ceiling
	}
	return w
}

// SuspendedWait is how long a suspended escalator should cool down before
// the next look: the time left until the window frees a slot, at most Cooldown.
func (e *Escalator) SuspendedWait(d Decision) time.Duration {
	left := d.Until.Sub(e.now())
	if left <= 0 {
		return 0
	}
	if e.Policy.Cooldown > 0 && left > e.Policy.Cooldown {
		return e.Policy.Cooldown
	}
	return left
}

// Execute runs strategy, waits out the grace period and judges the outcome by
// a single confirming health check. The attempt is recorded in the window
// before any action runs, so a failing action still counts toward the cap.
// Step failures are logged and never stop the sequence short of respawn.
func (e *Escalator) Execute(ctx context.Context, s Strategy) Attempt {
	e.mu.Lock()
	start := e.now()
	a := Attempt{ID: uuid.New(), Strategy: s, Failures: e.failures, StartedAt: start, Outcome: OutcomeUnknown, Health: health.StatusUnknown}
	e.window.Record(start)
	e.mu.Unlock()

	log := slog.With("attempt", a.ID.String(), "strategy", s.String(), "failures", a.Failures)
	if s == NuclearReset {
		log.Error("nuclear reset: killing every related process")
	} else {
		log.Warn("recovery attempt started")
	}

	graceFrom := time.Now()
	run := func(name string, fn func() error) {
		if err := safely(fn); err != nil {
			log.Warn("recovery step failed, continuing", "step", name, "error", err)
			a.Errors = append(a.Errors, name+": "+err.Error())
		}
	}
	switch s {
	case SoftRefresh:
		run("refresh", func() error { return e.Actions.Refresh(ctx, false) })
	case KillAndRespawn:
		run("stop", func() error { return e.Actions.Stop(ctx, false) })
		run("clean_locks", func() error { return e.Actions.CleanLocks(false) })
		run("respawn", func() error { return e.Actions.Respawn(ctx, false) })
		graceFrom = time.Now()
	case NuclearReset:
		run("stop", func() error { return e.Actions.Stop(ctx, true) })
		run("clean_locks", func() error { return e.Actions.CleanLocks(true) })
		run("refresh", func() error { return e.Actions.Refresh(ctx, true) })
		run("respawn", func() error { return e.Actions.Respawn(ctx, true) })
		graceFrom = time.Now()
	default:
		log.Warn("nothing to execute")
	}

	if e.sleep(ctx, e.Policy.Grace-time.Since(graceFrom)) {
		snap := e.Actions.Check(ctx)
		a.Health = snap.Status
		switch {
		case snap.Healthy():
			a.Outcome = OutcomeSuccess
		case snap.Status == health.StatusUnknown:
			a.Outcome = OutcomeUnknown
		default:
			a.Outcome = OutcomeFailure
		}
	}
	a.Duration = e.now().Sub(start)

	e.mu.Lock()
	if a.Outcome == OutcomeSuccess {
		e.failures = 0
	}
	last := a
	e.last = &last
	e.mu.Unlock()

	log.Info("recovery attempt finished", "outcome", a.Outcome, "health", a.Health, "took", a.Duration)
	return a
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
