package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_Paths(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name             string
		file             FileConfig
		wantOut, wantErr string // empty: no writer
	}{
		{"dir derives both", FileConfig{Dir: dir}, filepath.Join(dir, "bot.stdout.log"), filepath.Join(dir, "bot.stderr.log")},
		{"explicit wins", FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "b.out"), StderrPath: filepath.Join(dir, "b.err")},
			filepath.Join(dir, "b.out"), filepath.Join(dir, "b.err")},
		{"stdout only", FileConfig{StdoutPath: filepath.Join(dir, "web.out")}, filepath.Join(dir, "web.out"), ""},
		{"stderr only", FileConfig{StderrPath: filepath.Join(dir, "web.err")}, "", filepath.Join(dir, "web.err")},
		{"nothing configured", FileConfig{}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outW, errW, err := Config{File: tc.file}.ProcessWriters("bot")
			if err != nil {
				t.Fatalf("ProcessWriters: %v", err)
			}
			check := func(w io.WriteCloser, want, stream string) {
				if want == "" {
					if w != nil {
						t.Fatalf("%s: expected no writer", stream)
					}
					return
				}
				if w == nil {
					t.Fatalf("%s: expected a writer for %s", stream, want)
				}
				_, _ = w.Write([]byte(stream + "\n"))
				closeIf(w)
				if _, err := os.Stat(want); err != nil {
					t.Fatalf("%s: %s not created: %v", stream, want, err)
				}
			}
			check(outW, tc.wantOut, "stdout")
			check(errW, tc.wantErr, "stderr")
		})
	}
}

func TestProcessWriters_Rotation(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		file                FileConfig
		size, backups, days int
		compress            bool
	}{
		{FileConfig{Dir: dir}, DefaultMaxSizeMB, DefaultMaxBackups, DefaultMaxAgeDays, false},
		{FileConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}, 1, 9, 11, true},
	} {
		outW, errW, _ := Config{File: tc.file}.ProcessWriters("web")
		for _, w := range []io.WriteCloser{outW, errW} {
			l, ok := w.(*lj.Logger)
			if !ok {
				t.Fatalf("writer is %T, want *lumberjack.Logger", w)
			}
			if l.MaxSize != tc.size || l.MaxBackups != tc.backups || l.MaxAge != tc.days || l.Compress != tc.compress {
				t.Fatalf("rotation = %d/%d/%d/%t, want %d/%d/%d/%t",
					l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress, tc.size, tc.backups, tc.days, tc.compress)
			}
			closeIf(w)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn,
		"warning": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewSlogger_TextWithoutTime(t *testing.T) {
	var buf bytes.Buffer
	l, c := Config{Slog: SlogConfig{Level: LevelWarn}}.NewSlogger(&buf)
	defer closeIf(c)
	l.Info("hidden")
	l.Warn("recovery started", "strategy", "soft_refresh")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "strategy=soft_refresh") || strings.Contains(out, "time=") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNewSlogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, _ := Config{Slog: SlogConfig{Format: FormatJSON, TimeStamps: true}}.NewSlogger(&buf)
	l.Info("cycle", "state", "monitoring")
	if !strings.Contains(buf.String(), `"state":"monitoring"`) || !strings.Contains(buf.String(), `"time":`) {
		t.Fatalf("unexpected json output: %q", buf.String())
	}
}

func TestNewSlogger_Color(t *testing.T) {
	var buf bytes.Buffer
	l, _ := Config{Slog: SlogConfig{Color: true}}.NewSlogger(&buf)
	l.With("role", "watchdog").Error("lock conflict")
	out := buf.String()
	if !strings.Contains(out, "\033[31mERROR") || !strings.Contains(out, "role=watchdog") {
		t.Fatalf("expected colored error with attrs: %q", out)
	}
}

func TestNewSlogger_FileFanout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "keepalive.log")
	var buf bytes.Buffer
	l, c := Config{Slog: SlogConfig{Path: path}}.NewSlogger(&buf)
	l.Info("to both", "n", 1)
	closeIf(c)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"to both"`) || !strings.Contains(buf.String(), "to both") {
		t.Fatalf("record missing: file=%q stderr=%q", b, buf.String())
	}
}
