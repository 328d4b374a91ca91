//go:build !windows

package process

import (
	"os/exec"
	"testing"
)

// checkSysProcAttrs verifies Unix-specific process attributes
func checkSysProcAttrs(t *testing.T, cmd *exec.Cmd, detached bool) {
	t.Helper()
	if cmd.SysProcAttr == nil {
		t.Fatalf("SysProcAttr not set")
	}
	if detached && !cmd.SysProcAttr.Setsid {
		t.Fatalf("Setsid not set for detached child")
	}
	if !detached && !cmd.SysProcAttr.Setpgid {
		t.Fatalf("Setpgid not set")
	}
}
