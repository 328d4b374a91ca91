package detector

import (
	"fmt"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Cmdline returns the full command line of pid with arguments joined by spaces.
func Cmdline(pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	args, err := p.CmdlineSlice()
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}

// CmdlineDetector reports alive when PID is running and its command line
// contains Pattern. A live process running something else is not alive here:
// that is how a recycled PID is told apart from the original claimant.
type CmdlineDetector struct {
	PID     int
	Pattern string
}

func (d CmdlineDetector) Alive() (bool, error) {
	if !pidAlive(d.PID) {
		return false, nil
	}
	cmd, err := Cmdline(d.PID)
	if err != nil {
		return false, err
	}
	return strings.Contains(cmd, d.Pattern), nil
}

func (d CmdlineDetector) Describe() string {
	return fmt.Sprintf("cmdline:%d~%s", d.PID, d.Pattern)
}
