//go:build !linux

package detector

import "time"

func procStatStart(int) (time.Time, bool) { return time.Time{}, false }
