//go:build !windows

package detector

import (
	"errors"
	"syscall"
)

// pidAlive probes pid with signal 0. EPERM still means the pid exists,
// just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
