//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const detachedProcess = 0x00000008

// configureSysProcAttr gives the child its own process group, and no console
// when Detached, so console signals aimed at the supervisor do not reach it.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	flags := uint32(syscall.CREATE_NEW_PROCESS_GROUP)
	if spec.Detached {
		flags |= detachedProcess
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: flags}
}
