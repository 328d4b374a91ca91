// Package supervisor runs the watchdog loop: probe the bot, escalate recovery
// when it is unhealthy, pace itself and publish what it is doing.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/detector"
	"github.com/loykin/keepalive/internal/health"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/instance"
	"github.com/loykin/keepalive/internal/logscan"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/recovery"
)

const historyTimeout = 5 * time.Second

// Supervisor owns one watchdog claim and everything done under it. Fields
// may be replaced after New and before Run.
type Supervisor struct {
	Config    *config.Config
	Lock      *instance.Lock
	Probe     Prober
	Scanner   *logscan.Scanner
	Escalator *recovery.Escalator
	Actions   recovery.Actions
	History   history.Sink // optional

	// Sleep waits between cycles; it reports false when ctx ended first.
	Sleep      func(ctx context.Context, d time.Duration) bool
	Now        func() time.Time
	SampleHost func(ctx context.Context) (metrics.Resources, error)
	SampleBot  func(ctx context.Context) (metrics.ProcessMetrics, bool)

	mu     sync.RWMutex
	status Status
}

// New wires a supervisor for cfg with the real probe, reaper and spawner.
func New(cfg *config.Config) *Supervisor {
	probe := &health.Probe{
		URL:         cfg.Health.URL,
		Timeout:     cfg.Health.Timeout,
		WarnAge:     cfg.Health.WarnAge,
		CriticalAge: cfg.Health.CriticalAge,
	}
	lock := instance.New(cfg.PIDDir)
	actions := newHostActions(cfg, lock, probe)
	scanner := logscan.New()
	if cfg.LogScan.TailBytes > 0 {
		scanner.TailBytes = cfg.LogScan.TailBytes
	}
	s := &Supervisor{
		Config:    cfg,
		Lock:      lock,
		Probe:     probe,
		Scanner:   scanner,
		Escalator: recovery.New(cfg.Recovery, actions),
		Actions:   actions,
		Sleep:     recovery.SleepContext,
		Now:       time.Now,
	}
	s.SampleHost = func(ctx context.Context) (metrics.Resources, error) {
		return metrics.SampleResources(ctx, cfg.Resources.DiskPath)
	}
	s.SampleBot = s.sampleBot
	return s
}

// Status returns a snapshot of the supervisor's current state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	if s.Escalator != nil {
		st.Failures = s.Escalator.Failures()
		st.AttemptsInWindow = s.Escalator.AttemptsInWindow()
		if a, ok := s.Escalator.LastAttempt(); ok {
			st.LastAttempt = &a
		}
	}
	return st
}

func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = s.Now()
	s.mu.Unlock()
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.status.State
	s.status.State = to
	s.status.UpdatedAt = s.Now()
	s.mu.Unlock()
	if from != to {
		metrics.RecordStateTransition(string(from), string(to))
		slog.Debug("supervisor state", "from", from, "to", to)
	}
}

func (s *Supervisor) persist() {
	if s.Config.StatusFile == "" {
		return
	}
	if err := writeStatus(s.Config.StatusFile, s.Status()); err != nil {
		slog.Warn("cannot write status file", "path", s.Config.StatusFile, "error", err)
	}
}

// Run claims the watchdog role and supervises until ctx is cancelled. A live
// competing supervisor makes it return an *instance.ConflictError at once.
// Cancellation is a clean shutdown and returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.update(func(st *Status) {
		st.PID = os.Getpid()
		st.StartedAt = s.Now()
	})
	s.setState(StateStarting)

	if _, err := s.Lock.Acquire(instance.RoleWatchdog, s.Config.Watchdog.Cmdline); err != nil {
		var ce *instance.ConflictError
		if errors.As(err, &ce) {
			slog.Error("another supervisor is running", "pid", ce.PID, "since", ce.StartedAt)
		}
		return err
	}
	defer s.shutdown()

	if s.Config.Bot.SpawnOnStart {
		if err := s.Actions.Respawn(ctx, s.Config.Web.SpawnOnStart); err != nil {
			slog.Warn("initial spawn failed", "error", err)
		}
	}
	slog.Info("supervisor started",
		"health_url", s.Config.Health.URL,
		"interval", s.Config.CheckInterval,
		"max_attempts", s.Config.Recovery.MaxAttempts,
		"window", s.Config.Recovery.Window)

	for ctx.Err() == nil {
		s.setState(StateMonitoring)
		wait := s.cycle(ctx)
		s.persist()
		if !s.Sleep(ctx, wait) {
			break
		}
	}
	return nil
}

func (s *Supervisor) shutdown() {
	s.setState(StateShuttingDown)
	s.persist()
	s.Lock.Release(instance.RoleWatchdog)
	slog.Info("supervisor stopped")
}

// cycle runs one probe and, when needed, one recovery step. It returns how
// long to wait before the next probe. A panic is logged and the loop goes on.
func (s *Supervisor) cycle(ctx context.Context) (wait time.Duration) {
	wait = s.Config.CheckInterval
	defer func() {
		if r := recover(); r != nil {
			slog.Error("supervisor cycle panicked", "panic", r, "stack", string(debug.Stack()))
			wait = s.Config.CheckInterval
		}
	}()

	snap := s.Probe.Check(ctx)
	metrics.ObserveHealth(string(snap.Status))
	logSnapshot(snap)

	auth := false
	if !snap.Healthy() {
		auth = snap.Disconnected()
		lc := s.Config.LogScan
		matches := s.Scanner.ScanRecent(s.Config.Paths(lc.Files), lc.Patterns, lc.Window)
		metrics.AddLogMatches(len(matches))
		if len(matches) > 0 {
			auth = true
		}
	}
	failures := s.Escalator.Observe(snap, auth)
	metrics.SetLadder(failures, s.Escalator.AttemptsInWindow())
	s.sample(ctx)
	s.update(func(st *Status) {
		st.Cycles++
		st.LastHealth = &snap
		st.SuspendedUntil = nil
	})

	if snap.Healthy() || ctx.Err() != nil {
		return wait
	}

	d := s.Escalator.Decide()
	if d.Suspended {
		until := d.Until
		s.update(func(st *Status) { st.SuspendedUntil = &until })
		metrics.IncRateLimited()
		slog.Error("recovery rate limited, suspending actions",
			"attempts", s.Escalator.AttemptsInWindow(),
			"max", s.Config.Recovery.MaxAttempts,
			"until", until,
			"failures", d.Failures)
		s.setState(StateCoolingDown)
		if w := s.Escalator.SuspendedWait(d); w > 0 {
			return w
		}
		return wait
	}
	if !d.Act() {
		return wait
	}

	s.setState(StateRecovering)
	a := s.Escalator.Execute(ctx, d.Strategy)
	metrics.ObserveAttempt(a.Strategy.String(), string(a.Outcome), a.Duration.Seconds())
	metrics.SetLadder(s.Escalator.Failures(), s.Escalator.AttemptsInWindow())
	s.record(ctx, a)

	s.setState(StateCoolingDown)
	return s.Escalator.Backoff()
}

func logSnapshot(snap health.Snapshot) {
	switch snap.Status {
	case health.StatusHealthy:
		slog.Debug("bot healthy", "heartbeat_age", snap.HeartbeatAge, "uptime", snap.Uptime)
	case health.StatusUnknown:
		slog.Warn("health probe inconclusive", "error", snap.Err)
	default:
		slog.Error("bot unhealthy",
			"status", snap.Status,
			"reported", snap.Reported,
			"bot_connected", snap.BotConnected,
			"heartbeat_age", snap.HeartbeatAge)
	}
}

// record sends a to the history sink. The send outlives cancellation so an
// attempt interrupted by shutdown is still stored.
func (s *Supervisor) record(ctx context.Context, a recovery.Attempt) {
	if s.History == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := s.History.Send(hctx, history.FromAttempt(a)); err != nil {
		slog.Warn("cannot store recovery attempt", "attempt", a.ID.String(), "error", err)
	}
}

func (s *Supervisor) sample(ctx context.Context) {
	if s.SampleHost != nil {
		r, err := s.SampleHost(ctx)
		if err != nil {
			slog.Debug("host sample incomplete", "error", err)
		}
		metrics.SetHostUsage(r)
		if over := r.Over(s.Config.Resources.Threshold); len(over) > 0 {
			slog.Warn("host resources above threshold",
				"resources", over,
				"cpu", r.CPU, "memory", r.Memory, "disk", r.Disk,
				"threshold", s.Config.Resources.Threshold)
		}
		s.update(func(st *Status) { st.Resources = &r })
	}
	if s.SampleBot != nil {
		if p, ok := s.SampleBot(ctx); ok {
			metrics.SetBotUsage(p)
			s.update(func(st *Status) { st.Bot = &p })
		} else {
			s.update(func(st *Status) { st.Bot = nil })
		}
	}
}

// sampleBot measures the process named by the bot PID file, if it is alive.
func (s *Supervisor) sampleBot(ctx context.Context) (metrics.ProcessMetrics, bool) {
	pid, err := detector.ReadPID(s.Lock.Path(instance.RoleBot))
	if err != nil {
		return metrics.ProcessMetrics{}, false
	}
	if alive, _ := (detector.PIDDetector{PID: pid}).Alive(); !alive {
		return metrics.ProcessMetrics{}, false
	}
	p, err := metrics.SampleProcess(ctx, pid)
	if err != nil {
		slog.Debug("bot sample failed", "pid", pid, "error", err)
		return metrics.ProcessMetrics{}, false
	}
	return p, true
}
