package detector

import "strings"

// Detector is a strategy that determines if a process is running.
// Implementations may check a PID, a PID file, or a command line pattern.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// All is alive only when every member detector is alive. Evaluation stops at
// the first member that reports not alive or fails.
type All []Detector

func (a All) Alive() (bool, error) {
	if len(a) == 0 {
		return false, nil
	}
	for _, d := range a {
		ok, err := d.Alive()
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (a All) Describe() string {
	parts := make([]string, 0, len(a))
	for _, d := range a {
		parts = append(parts, d.Describe())
	}
	return "all(" + strings.Join(parts, ",") + ")"
}
