// Package logscan looks for recent error signatures at the end of log files.
package logscan

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTailBytes = 20000
	DefaultWindow    = 30 * time.Second

	contextRadius = 100
	sigEdge       = 20
	maxSeen       = 1024
	tsLayout      = "2006-01-02 15:04:05"
)

var tsLead = regexp.MustCompile(`^\s*\[?(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`)

// AuthPatterns are the signatures of a rejected or unusable bot credential.
var AuthPatterns = []string{
	`discord\.errors\.LoginFailure`,
	`401 Unauthorized`,
	`Token authentication failed`,
	`Improper token`,
	`Invalid token`,
	`Authentication failed`,
	`token.+failed`,
	`Failed to connect to Discord`,
	`Cannot connect to Discord`,
}

// Match is one recent pattern hit. Context is the text around the hit; Line
// is the log line holding it.
type Match struct {
	File    string
	Pattern string
	At      time.Time
	Line    string
	Context string
}

// signature identifies an incident by the edges of its log line, so that
// text appended after it does not make it look new on the next poll.
func (m Match) signature() string {
	c := m.Line
	if len(c) <= 2*sigEdge {
		return c
	}
	return c[:sigEdge] + "..." + c[len(c)-sigEdge:]
}

// Scanner remembers what it already reported so the same incident is counted once.
type Scanner struct {
	TailBytes int64
	Now       func() time.Time
	Location  *time.Location

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func New() *Scanner {
	return &Scanner{TailBytes: DefaultTailBytes}
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scanner) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.Local
}

// ScanRecent returns matches of patterns in the tails of files whose record
// timestamp lies within window of now. Hits without a parsable timestamp are
// dropped. Unreadable files and invalid patterns are logged and skipped.
func (s *Scanner) ScanRecent(files, patterns []string, window time.Duration) []Match {
	if window <= 0 {
		window = DefaultWindow
	}
	res := make([]Match, 0)
	regs := compile(patterns)
	if len(regs) == 0 {
		return res
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		content, err := s.tail(f)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("log scan: read failed", "file", f, "error", err)
			}
			continue
		}
		for _, re := range regs {
			for _, loc := range re.FindAllStringIndex(content, -1) {
				ctx := around(content, loc[0], loc[1])
				at, ok := s.timestamp(content, loc[0])
				if !ok {
					continue
				}
				age := now.Sub(at)
				if age > window || age < -window {
					continue
				}
				m := Match{File: f, Pattern: re.String(), At: at, Line: lineAt(content, loc[0], loc[1]), Context: ctx}
				if !s.remember(m.signature()) {
					continue
				}
				res = append(res, m)
			}
		}
	}
	if len(res) > 0 {
		slog.Warn("log scan found recent errors", "count", len(res), "first", res[0].Context)
	}
	return res
}

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("log scan: bad pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

// tail reads at most TailBytes from the end of path, dropping a leading partial line.
func (s *Scanner) tail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	n := s.TailBytes
	if n <= 0 {
		n = DefaultTailBytes
	}
	off := int64(0)
	if st.Size() > n {
		off = st.Size() - n
	}
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return "", fmt.Errorf("read tail: %w", err)
	}
	if off > 0 {
		for i, b := range buf {
			if b == '\n' {
				buf = buf[i+1:]
				break
			}
		}
	}
	return string(buf), nil
}

func around(content string, start, end int) string {
	lo := start - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + contextRadius
	if hi > len(content) {
		hi = len(content)
	}
	return content[lo:hi]
}

// lineAt returns the line spanning [start,end), clipped to the context radius.
func lineAt(content string, start, end int) string {
	lo := strings.LastIndexByte(content[:start], '\n') + 1
	if lo < start-contextRadius {
		lo = start - contextRadius
	}
	hi := len(content)
	if i := strings.IndexByte(content[end:], '\n'); i >= 0 {
		hi = end + i
	}
	if hi > end+contextRadius {
		hi = end + contextRadius
	}
	return strings.TrimRight(content[lo:hi], "\r")
}

// timestamp dates the log record holding the hit: the timestamp opening the
// hit's line, otherwise the one opening the nearest earlier line of the same
// record (unstamped continuation lines within contextRadius). Text after the
// hit never dates it.
func (s *Scanner) timestamp(content string, at int) (time.Time, bool) {
	hitLine := strings.LastIndexByte(content[:at], '\n') + 1
	for start := hitLine; ; {
		end := strings.IndexByte(content[start:], '\n')
		if end < 0 {
			end = len(content) - start
		}
		line := content[start : start+end]
		if m := tsLead.FindStringSubmatch(line); m != nil {
			t, err := time.ParseInLocation(tsLayout, m[1], s.loc())
			return t, err == nil
		}
		if start == 0 || (start != hitLine && strings.TrimSpace(line) == "") {
			return time.Time{}, false
		}
		start = strings.LastIndexByte(content[:start-1], '\n') + 1
		if hitLine-start > contextRadius {
			return time.Time{}, false
		}
	}
}

// remember records sig and reports whether it was new. The set is bounded; the
// oldest signatures are forgotten first.
func (s *Scanner) remember(sig string) bool {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[sig]; ok {
		return false
	}
	s.seen[sig] = struct{}{}
	s.order = append(s.order, sig)
	if len(s.order) > maxSeen {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
