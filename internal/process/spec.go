package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/keepalive/internal/logger"
)

// Spec describes a child process the supervisor launches.
type Spec struct {
	Name     string        `mapstructure:"name"`
	Command  string        `mapstructure:"command"`  // command to start the process (shell)
	WorkDir  string        `mapstructure:"work_dir"` // optional working dir
	Env      []string      `mapstructure:"env"`      // extra KEY=VALUE pairs layered over the supervisor env; ${VAR} expands
	PIDFile  string        `mapstructure:"pid_file"` // optional pidfile path written after start
	Detached bool          `mapstructure:"detached"` // new session; survives the supervisor
	Log      logger.Config `mapstructure:"-"`
}

// Validate checks the fields Spawn depends on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.ContainsAny(s.Name, "/\\") {
		return errors.New("process name must not contain path separators")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process command is required")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return trueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG
// with one pair of enclosing quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
