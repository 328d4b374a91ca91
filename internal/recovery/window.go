package recovery

import (
	"sort"
	"time"
)

// Window is an ordered record of attempt times bounded to a sliding span.
// Every size query prunes first.
type Window struct {
	Span  time.Duration
	times []time.Time
}

func NewWindow(span time.Duration) *Window { return &Window{Span: span} }

// Record appends t, keeping the sequence ordered.
func (w *Window) Record(t time.Time) {
	i := sort.Search(len(w.times), func(i int) bool { return w.times[i].After(t) })
	w.times = append(w.times, time.Time{})
	copy(w.times[i+1:], w.times[i:])
	w.times[i] = t
}

// Prune drops entries older than Span relative to now.
func (w *Window) Prune(now time.Time) {
	cut := now.Add(-w.Span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cut) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *Window) Len(now time.Time) int {
	w.Prune(now)
	return len(w.times)
}

// Oldest returns the earliest entry still inside the window.
func (w *Window) Oldest(now time.Time) (time.Time, bool) {
	w.Prune(now)
	if len(w.times) == 0 {
		return time.Time{}, false
	}
	return w.times[0], true
}
