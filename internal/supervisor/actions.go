package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/health"
	"github.com/loykin/keepalive/internal/instance"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/process"
	"github.com/loykin/keepalive/internal/reaper"
	"github.com/loykin/keepalive/internal/refresh"
)

// Prober runs one health check.
type Prober interface {
	Check(ctx context.Context) health.Snapshot
}

// hostActions carries out recovery steps against the local machine.
type hostActions struct {
	cfg    *config.Config
	lock   *instance.Lock
	reaper *reaper.Reaper
	probe  Prober
	spawn  func(process.Spec) (int, error)
	now    func() time.Time
}

func newHostActions(cfg *config.Config, lock *instance.Lock, probe Prober) *hostActions {
	return &hostActions{
		cfg:    cfg,
		lock:   lock,
		reaper: reaper.New(),
		probe:  probe,
		spawn:  process.Spawn,
		now:    time.Now,
	}
}

// Refresh signals the credential refresher. A soft refresh waits for the
// signal to be consumed, bounded by the recovery grace. A forced refresh
// purges token caches first and does not wait: it runs after every helper,
// the refresher included, has been stopped.
func (h *hostActions) Refresh(ctx context.Context, force bool) error {
	file := h.cfg.Refresh.File
	if force {
		refresh.PurgeCaches(h.cfg.Paths(h.cfg.Refresh.CacheFiles))
	}
	if err := refresh.Signal(file, h.now()); err != nil {
		return err
	}
	if force {
		return nil
	}
	if !refresh.WaitConsumed(ctx, file, h.cfg.Recovery.Grace) {
		slog.Warn("credential refresh signal not consumed", "file", file, "waited", h.cfg.Recovery.Grace)
	}
	return nil
}

func (h *hostActions) patterns(all bool) ([]string, string) {
	if all {
		return h.cfg.Reaper.AllPatterns, "all"
	}
	return h.cfg.Reaper.BotPatterns, "bot"
}

// Stop terminates the bot, or every related process when all is set.
func (h *hostActions) Stop(_ context.Context, all bool) error {
	patterns, scope := h.patterns(all)
	pids := h.reaper.KillMatching(patterns, h.cfg.Reaper.Grace)
	if len(pids) == 0 {
		slog.Info("no matching processes to stop", "scope", scope, "patterns", patterns)
		return nil
	}
	metrics.AddReaped(scope, len(pids))
	if left := h.reaper.Find(patterns); len(left) > 0 {
		return fmt.Errorf("still running after stop: %v", left)
	}
	return nil
}

// CleanLocks removes the bot's PID file, or every lock file in the PID dir
// except the supervisor's own claim.
func (h *hostActions) CleanLocks(all bool) error {
	if all {
		reaper.CleanStaleLocks(h.cfg.PIDDir, []string{h.lock.Path(instance.RoleWatchdog)})
		return nil
	}
	path := h.lock.Path(instance.RoleBot)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Respawn starts the bot unless one is already running. With all set the
// web server is started too, when a command is configured for it.
func (h *hostActions) Respawn(_ context.Context, all bool) error {
	var errs []error
	if err := h.start(instance.RoleBot, h.cfg.Bot); err != nil {
		errs = append(errs, err)
	}
	if all && h.cfg.Web.Command != "" {
		if err := h.start(instance.RoleWeb, h.cfg.Web); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *hostActions) start(role instance.Role, cc config.ChildConfig) error {
	if pids := h.reaper.Find([]string{cc.Cmdline}); len(pids) > 0 {
		slog.Info("already running, not spawning", "role", role, "pids", pids)
		return nil
	}
	env, err := h.cfg.ChildEnv(cc)
	if err != nil {
		return fmt.Errorf("%s env: %w", role, err)
	}
	pid, err := h.spawn(process.Spec{
		Name:     cc.Name,
		Command:  cc.Command,
		WorkDir:  h.cfg.WorkDir,
		Env:      env,
		PIDFile:  h.lock.Path(role),
		Detached: cc.Detached,
		Log:      h.cfg.Log,
	})
	if err != nil {
		return err
	}
	slog.Info("respawned", "role", role, "pid", pid)
	return nil
}

func (h *hostActions) Check(ctx context.Context) health.Snapshot {
	return h.probe.Check(ctx)
}
