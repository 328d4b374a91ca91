// Package instance implements single-instance claims per role using PID files.
//
// A claim is a plain-text file holding the claimant's decimal PID. A file is
// considered held only while its PID is alive and that process's command line
// still contains the role's expected pattern; anything else is stale and is
// replaced. No OS file locks are used: the liveness check makes a lost
// check-then-write race benign, and the next supervisor cycle corrects it.
package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/keepalive/internal/detector"
)

// Role names a singleton process kind.
type Role string

const (
	RoleWatchdog Role = "watchdog"
	RoleBot      Role = "bot"
	RoleWeb      Role = "web"
)

var roleFiles = map[Role]string{
	RoleWatchdog: "bot_watchdog.pid",
	RoleBot:      "bot.pid",
	RoleWeb:      "web_server.pid",
}

// FileName returns the PID file name used for the role.
func (r Role) FileName() string {
	if f, ok := roleFiles[r]; ok {
		return f
	}
	return string(r) + ".pid"
}

// ErrConflict is matched by errors.Is for every *ConflictError.
var ErrConflict = errors.New("instance already running")

// ConflictError reports a live, pattern-matching claimant.
type ConflictError struct {
	Role      Role
	PID       int
	StartedAt time.Time // zero when unknown
}

func (e *ConflictError) Error() string {
	if e.StartedAt.IsZero() {
		return fmt.Sprintf("%s: %s held by pid %d", ErrConflict, e.Role, e.PID)
	}
	return fmt.Sprintf("%s: %s held by pid %d since %s", ErrConflict, e.Role, e.PID, e.StartedAt.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Claim is a granted ownership of a role.
type Claim struct {
	Role Role
	PID  int
	Path string
}

// Lock grants and releases role claims inside Dir.
type Lock struct {
	Dir string
	// Self is the PID written into claims; defaults to os.Getpid().
	Self int
	// Alive reports whether pid is a live instance matching pattern.
	// Defaults to a PID liveness check combined with a command line match.
	Alive func(pid int, pattern string) (bool, error)
}

// New returns a Lock for PID files in dir.
func New(dir string) *Lock {
	return &Lock{Dir: dir}
}

func (l *Lock) self() int {
	if l.Self > 0 {
		return l.Self
	}
	return os.Getpid()
}

func (l *Lock) alive(pid int, pattern string) (bool, error) {
	if l.Alive != nil {
		return l.Alive(pid, pattern)
	}
	return detector.All{
		detector.PIDDetector{PID: pid},
		detector.CmdlineDetector{PID: pid, Pattern: pattern},
	}.Alive()
}

// Path returns the PID file path for role.
func (l *Lock) Path(role Role) string {
	return filepath.Join(l.Dir, role.FileName())
}

// Acquire claims role for the calling process. It returns a *ConflictError when
// the existing file names a live process whose command line contains pattern.
// Dead, mismatching or unreadable claims are removed and replaced.
// Filesystem failures are logged and do not block the claim.
func (l *Lock) Acquire(role Role, pattern string) (*Claim, error) {
	path := l.Path(role)
	self := l.self()
	claim := &Claim{Role: role, PID: self, Path: path}

	pid, err := detector.ReadPID(path)
	switch {
	case err == nil && pid == self:
		return claim, nil
	case err == nil:
		live, aerr := l.alive(pid, pattern)
		if aerr != nil {
			slog.Warn("could not verify existing claim, assuming stale", "role", role, "pid", pid, "error", aerr)
		}
		if live {
			return nil, &ConflictError{Role: role, PID: pid, StartedAt: detector.StartTime(pid)}
		}
		slog.Info("removing stale claim", "role", role, "pid", pid, "path", path)
		removeQuiet(path)
	case os.IsNotExist(err):
	default:
		slog.Warn("unreadable claim file, assuming stale", "role", role, "path", path, "error", err)
		removeQuiet(path)
	}

	if err := writePID(path, self); err != nil {
		slog.Error("failed to write claim file", "role", role, "path", path, "error", err)
		return claim, nil
	}
	slog.Info("instance claimed", "role", role, "pid", self, "path", path)
	return claim, nil
}

// Release removes the role's PID file only when it holds the caller's PID.
// A missing file or a file owned by another PID is left alone.
func (l *Lock) Release(role Role) bool {
	path := l.Path(role)
	pid, err := detector.ReadPID(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cannot read claim on release", "role", role, "path", path, "error", err)
		}
		return false
	}
	if pid != l.self() {
		slog.Warn("claim belongs to another pid, not removing", "role", role, "pid", pid, "self", l.self())
		return false
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove claim", "role", role, "path", path, "error", err)
		return false
	}
	slog.Info("instance released", "role", role, "path", path)
	return true
}

// writePID writes pid via a temp file and rename so readers never see a partial file.
func writePID(path string, pid int) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	tmp := path + ".tmp." + strconv.Itoa(pid)
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove stale claim", "path", path, "error", err)
	}
}
