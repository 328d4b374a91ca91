package logscan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newScanner() *Scanner {
	s := New()
	s.Now = func() time.Time { return testNow }
	s.Location = time.UTC
	return s
}

func writeLog(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bot.log")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func stamp(d time.Duration) string {
	return testNow.Add(-d).Format(tsLayout)
}

func TestScanRecent_FindsRecentAuthFailure(t *testing.T) {
	log := writeLog(t, stamp(10*time.Second)+" ERROR discord.errors.LoginFailure: Improper token has been passed.\n")
	got := newScanner().ScanRecent([]string{log}, []string{`discord\.errors\.LoginFailure`}, 30*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, log, got[0].File)
	assert.Equal(t, testNow.Add(-10*time.Second), got[0].At)
	assert.Contains(t, got[0].Context, "LoginFailure")
}

func TestScanRecent_DiscardsMatchWithoutTimestamp(t *testing.T) {
	log := writeLog(t, "ERROR 401 Unauthorized while connecting\n")
	got := newScanner().ScanRecent([]string{log}, AuthPatterns, 30*time.Second)
	assert.Empty(t, got)
}

func TestScanRecent_LaterTimestampDoesNotDateEarlierLine(t *testing.T) {
	log := writeLog(t, "discord.errors.LoginFailure: Improper token has been passed.\n"+
		stamp(2*time.Second)+" INFO bot connected fine\n")
	got := newScanner().ScanRecent([]string{log}, AuthPatterns, 30*time.Second)
	assert.Empty(t, got)
}

func TestScanRecent_RecordTimestamp(t *testing.T) {
	cases := []struct {
		name string
		log  string
		want int
	}{
		{"continuation of recent record", stamp(3*time.Second) + " ERROR login failed\nTraceback (most recent call last):\ndiscord.errors.LoginFailure: bad\n", 1},
		{"continuation of stale record", stamp(time.Hour) + " ERROR login failed\nTraceback (most recent call last):\ndiscord.errors.LoginFailure: bad\n", 0},
		{"blank line ends record", stamp(3*time.Second) + " ERROR login failed\n\ndiscord.errors.LoginFailure: bad\n", 0},
		{"bracketed stamp", "[" + stamp(3*time.Second) + "] ERROR discord.errors.LoginFailure: bad\n", 1},
		{"stamp mid-line is not the record's", "ERROR at " + stamp(3*time.Second) + " discord.errors.LoginFailure: bad\n", 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := newScanner().ScanRecent([]string{writeLog(t, c.log)}, []string{`discord\.errors\.LoginFailure`}, 30*time.Second)
			assert.Len(t, got, c.want)
		})
	}
}

func TestScanRecent_DiscardsOldMatch(t *testing.T) {
	log := writeLog(t, stamp(10*time.Minute)+" ERROR 401 Unauthorized\n")
	got := newScanner().ScanRecent([]string{log}, []string{`401 Unauthorized`}, 30*time.Second)
	assert.Empty(t, got)
}

func TestScanRecent_DedupAcrossPolls(t *testing.T) {
	log := writeLog(t, stamp(5*time.Second)+" ERROR Invalid token\n")
	s := newScanner()
	first := s.ScanRecent([]string{log}, []string{`Invalid token`}, time.Minute)
	require.Len(t, first, 1)
	second := s.ScanRecent([]string{log}, []string{`Invalid token`}, time.Minute)
	assert.Empty(t, second, "same incident must not be reported twice")

	f, err := os.OpenFile(log, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(stamp(1*time.Second) + " ERROR Invalid token again on reconnect attempt 2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	third := s.ScanRecent([]string{log}, []string{`Invalid token`}, time.Minute)
	assert.Len(t, third, 1)
}

func TestScanRecent_ReadsOnlyTail(t *testing.T) {
	var b strings.Builder
	b.WriteString(stamp(2*time.Second) + " ERROR 401 Unauthorized at the head\n")
	for b.Len() < 4*DefaultTailBytes {
		b.WriteString(stamp(time.Hour) + " INFO heartbeat ok\n")
	}
	log := writeLog(t, b.String())
	got := newScanner().ScanRecent([]string{log}, []string{`401 Unauthorized`}, time.Minute)
	assert.Empty(t, got)
}

func TestScanRecent_MissingFileAndBadPattern(t *testing.T) {
	log := writeLog(t, stamp(time.Second)+" ERROR Authentication failed\n")
	got := newScanner().ScanRecent(
		[]string{filepath.Join(t.TempDir(), "absent.log"), log},
		[]string{`(unclosed`, `Authentication failed`},
		time.Minute,
	)
	assert.Len(t, got, 1)
}

func TestTail_SkipsPartialLine(t *testing.T) {
	log := writeLog(t, "aaaaaaaaaa\nbbbb\ncccc\n")
	s := &Scanner{TailBytes: 8}
	got, err := s.tail(log)
	require.NoError(t, err)
	assert.Equal(t, "cccc\n", got)
}

func TestRemember_Bounded(t *testing.T) {
	s := &Scanner{}
	for i := 0; i < maxSeen+10; i++ {
		assert.True(t, s.remember(strings.Repeat("x", i)))
	}
	assert.Len(t, s.seen, maxSeen)
	assert.True(t, s.remember(""), "oldest signature was forgotten")
}

func FuzzScanRecent(f *testing.F) {
	f.Add(stamp(time.Second) + " 401 Unauthorized\n")
	f.Add("401 Unauthorized")
	f.Add("9999-99-99 99:99:99 Invalid token")
	dir := f.TempDir()
	f.Fuzz(func(t *testing.T, content string) {
		p := filepath.Join(dir, "fuzz.log")
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Skip()
		}
		for _, m := range newScanner().ScanRecent([]string{p}, AuthPatterns, time.Minute) {
			if m.At.IsZero() {
				t.Fatalf("match without timestamp: %+v", m)
			}
		}
	})
}
