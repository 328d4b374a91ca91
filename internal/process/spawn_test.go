//go:build !windows

package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/keepalive/internal/detector"
	"github.com/loykin/keepalive/internal/logger"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestSpawn_WritesPIDFileAndLogs(t *testing.T) {
	requireUnixSpec(t)
	t.Setenv("KEEPALIVE_TEST_BASE", "/base")
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "bot.pid")
	spec := Spec{
		Name:     "bot",
		Command:  "sh -c 'echo started $KEEPALIVE_CHILD; echo oops 1>&2; sleep 0.2'",
		PIDFile:  pidFile,
		Detached: true,
		Env:      []string{"KEEPALIVE_CHILD=${KEEPALIVE_TEST_BASE}/child"},
		Log:      logger.Config{File: logger.FileConfig{Dir: filepath.Join(dir, "logs")}},
	}
	c := spec.BuildCommand()
	configureSysProcAttr(c, spec)
	checkSysProcAttrs(t, c, true)

	pid, err := Spawn(spec)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	got, err := detector.ReadPID(pidFile)
	if err != nil || got != pid {
		t.Fatalf("pid file: got %d err %v, want %d", got, err, pid)
	}

	out := filepath.Join(dir, "logs", "bot.stdout.log")
	errLog := filepath.Join(dir, "logs", "bot.stderr.log")
	waitFor(t, 3*time.Second, func() bool {
		a, _ := os.ReadFile(out)
		b, _ := os.ReadFile(errLog)
		return strings.Contains(string(a), "started /base/child") && strings.Contains(string(b), "oops")
	})
	waitFor(t, 3*time.Second, func() bool {
		alive, _ := detector.PIDDetector{PID: pid}.Alive()
		return !alive
	})
}

func TestSpawn_InvalidSpec(t *testing.T) {
	if _, err := Spawn(Spec{Name: "bot"}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestSpawn_MissingBinary(t *testing.T) {
	_, err := Spawn(Spec{Name: "bot", Command: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatal("expected start error")
	}
}

func TestWritePIDFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "web_server.pid")
	if err := WritePIDFile(p, 4242); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(b)) != strconv.Itoa(4242) {
		t.Fatalf("unexpected content %q", b)
	}
	entries, _ := os.ReadDir(filepath.Dir(p))
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %v", entries)
	}
}
