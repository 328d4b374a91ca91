// Package reaper finds processes by command line, terminates them and clears
// leftover PID and lock files. It makes no health judgement of its own.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/loykin/keepalive/internal/detector"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	// MinPID is the lowest PID ever matched; anything below belongs to the system.
	MinPID = 10
	// MinPatternLen guards against patterns that would match nearly everything.
	MinPatternLen = 3

	DefaultGrace = 3 * time.Second
	pollInterval = 100 * time.Millisecond
)

// Proc is one entry of the process table.
type Proc struct {
	PID     int
	Cmdline string
}

// Lister enumerates running processes.
type Lister interface {
	List(ctx context.Context) ([]Proc, error)
}

// SystemLister reads the process table through gopsutil.
type SystemLister struct{}

func (SystemLister) List(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		out = append(out, Proc{PID: int(p.Pid), Cmdline: strings.Join(args, " ")})
	}
	return out, nil
}

// Reaper kills processes matching command-line patterns.
type Reaper struct {
	Self   int
	Lister Lister
	// Signal delivers a terminate (force=false) or kill (force=true) to pid.
	Signal func(pid int, force bool) error
	// Gone reports that pid no longer needs killing.
	Gone func(pid int) bool
}

// New returns a Reaper over the real process table that never matches itself.
func New() *Reaper {
	return &Reaper{Self: os.Getpid(), Lister: SystemLister{}, Signal: signal, Gone: gone}
}

// Find returns PIDs whose command line contains any of patterns. The caller's
// own PID and PIDs below MinPID are never returned; short patterns are ignored.
func (r *Reaper) Find(patterns []string) []int {
	valid := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if len(strings.TrimSpace(p)) < MinPatternLen {
			slog.Warn("reaper: pattern too short, ignored", "pattern", p)
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return nil
	}
	procs, err := r.Lister.List(context.Background())
	if err != nil {
		slog.Warn("reaper: cannot enumerate processes", "error", err)
		return nil
	}
	var pids []int
	for _, p := range procs {
		if p.PID < MinPID || p.PID == r.Self {
			continue
		}
		for _, pat := range valid {
			if strings.Contains(p.Cmdline, pat) {
				pids = append(pids, p.PID)
				break
			}
		}
	}
	slices.Sort(pids)
	return slices.Compact(pids)
}

// Terminate asks pid to exit, waits up to grace and then kills it. A process
// that is already gone, or goes away at any point, counts as success.
func (r *Reaper) Terminate(pid int, grace time.Duration) error {
	if pid == r.Self {
		return fmt.Errorf("refusing to terminate self (pid %d)", pid)
	}
	if r.Gone(pid) {
		return nil
	}
	if err := r.Signal(pid, false); err != nil && !r.Gone(pid) {
		slog.Warn("reaper: terminate failed, escalating", "pid", pid, "error", err)
	}
	if r.wait(pid, grace) {
		return nil
	}
	slog.Warn("reaper: process ignored terminate, killing", "pid", pid, "grace", grace)
	if err := r.Signal(pid, true); err != nil && !r.Gone(pid) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if r.wait(pid, time.Second) {
		return nil
	}
	return fmt.Errorf("pid %d still alive after kill", pid)
}

// KillMatching terminates every process matching patterns and returns the
// PIDs it acted on. Failures are logged and do not stop the sweep.
func (r *Reaper) KillMatching(patterns []string, grace time.Duration) []int {
	pids := r.Find(patterns)
	for _, pid := range pids {
		if err := r.Terminate(pid, grace); err != nil {
			slog.Warn("reaper: could not terminate", "pid", pid, "error", err)
		} else {
			slog.Info("reaper: terminated", "pid", pid)
		}
	}
	return pids
}

func (r *Reaper) wait(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if r.Gone(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// CleanStaleLocks removes *.pid and *.lock files in dir except those named in
// exclude (base names or full paths). It returns the paths removed.
func CleanStaleLocks(dir string, exclude []string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[filepath.Clean(e)] = true
		skip[filepath.Base(e)] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("reaper: cannot read lock dir", "dir", dir, "error", err)
		return nil
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".pid") || strings.HasSuffix(name, ".lock")) {
			continue
		}
		path := filepath.Join(dir, name)
		if skip[name] || skip[filepath.Clean(path)] {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("reaper: cannot remove lock file", "path", path, "error", err)
			continue
		}
		removed = append(removed, path)
	}
	if len(removed) > 0 {
		slog.Info("reaper: removed stale lock files", "files", removed)
	}
	return removed
}

func signal(pid int, force bool) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if force {
		return p.Kill()
	}
	return p.Terminate()
}

// gone treats zombies as exited: they hold no resources worth signalling.
func gone(pid int) bool {
	alive, err := detector.PIDDetector{PID: pid}.Alive()
	if err != nil || !alive {
		return true
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(st, process.Zombie)
}
