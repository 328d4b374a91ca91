// Package refresh talks to the external credential refresher through a
// sentinel file: the supervisor writes it, the refresher consumes and deletes it.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultFile = "refresh_token"
	pollEvery   = 250 * time.Millisecond
)

// DefaultCacheFiles are the credential caches the bot may fall back on.
var DefaultCacheFiles = []string{"token_cache.json", ".token_cache", "discord_token.cache"}

// Signal writes the sentinel with now as Unix seconds. The write is atomic so
// the refresher never reads a partial timestamp.
func Signal(path string, now time.Time) error {
	if path == "" {
		return errors.New("refresh: empty sentinel path")
	}
	body := strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 3, 64)
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".refresh-*")
	if err != nil {
		return fmt.Errorf("refresh: create temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("refresh: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("refresh: close: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("refresh: rename: %w", err)
	}
	slog.Info("signalled credential refresh", "file", path)
	return nil
}

// Pending reports whether a written sentinel is still waiting to be consumed.
func Pending(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WaitConsumed blocks until the sentinel disappears, timeout elapses or ctx
// ends. It reports whether the sentinel was consumed.
func WaitConsumed(ctx context.Context, path string, timeout time.Duration) bool {
	if !Pending(path) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("refresh: watcher unavailable, polling", "error", err)
		return poll(ctx, path)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(path)); err != nil {
		slog.Debug("refresh: cannot watch dir, polling", "error", err)
		return poll(ctx, path)
	}
	// the refresher may have been faster than the watch
	if !Pending(path) {
		return true
	}
	target := filepath.Clean(path)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return poll(ctx, path)
			}
			if filepath.Clean(ev.Name) == target && ev.Has(fsnotify.Remove|fsnotify.Rename) && !Pending(path) {
				return true
			}
		case err, ok := <-w.Errors:
			if !ok {
				return poll(ctx, path)
			}
			slog.Debug("refresh: watcher error", "error", err)
		case <-ctx.Done():
			return !Pending(path)
		}
	}
}

func poll(ctx context.Context, path string) bool {
	t := time.NewTicker(pollEvery)
	defer t.Stop()
	for {
		if !Pending(path) {
			return true
		}
		select {
		case <-ctx.Done():
			return !Pending(path)
		case <-t.C:
		}
	}
}

// PurgeCaches deletes credential cache files so the bot re-reads its token
// from the environment. Missing files are ignored; it returns what it removed.
func PurgeCaches(paths []string) []string {
	var removed []string
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = append(removed, p)
			slog.Info("removed token cache file", "file", p)
		case errors.Is(err, os.ErrNotExist):
		default:
			slog.Warn("cannot remove token cache file", "file", p, "error", err)
		}
	}
	return removed
}
