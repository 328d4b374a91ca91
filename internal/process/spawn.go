// Package process launches the supervised bot as a detached child.
package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/keepalive/internal/env"
)

// Spawn starts spec and returns the child's PID without waiting for it.
// Output goes to the rotating files configured in spec.Log, or to the null
// device. The child is reaped in the background so it never lingers as a zombie.
func Spawn(spec Spec) (int, error) {
	if err := spec.Validate(); err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = env.Merge(os.Environ(), spec.Env)
	}
	configureSysProcAttr(cmd, spec)

	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		slog.Warn("spawn: child logs unavailable, discarding output", "name", spec.Name, "error", err)
	}
	cmd.Stdout = orDiscard(outW)
	cmd.Stderr = orDiscard(errW)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return 0, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	if spec.PIDFile != "" {
		if err := WritePIDFile(spec.PIDFile, pid); err != nil {
			slog.Warn("spawn: cannot write pid file", "name", spec.Name, "path", spec.PIDFile, "error", err)
		}
	}
	slog.Info("spawned process", "name", spec.Name, "pid", pid, "command", spec.Command)

	go func() {
		err := cmd.Wait()
		closeAll(outW, errW)
		slog.Info("spawned process exited", "name", spec.Name, "pid", pid, "uptime", time.Since(started).Round(time.Second), "error", err)
	}()
	return pid, nil
}

// WritePIDFile writes pid atomically via a temp file and rename.
func WritePIDFile(path string, pid int) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
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

func orDiscard(w io.WriteCloser) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
