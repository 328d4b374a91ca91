package refresh

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_WritesTimestamp(t *testing.T) {
	p := filepath.Join(t.TempDir(), DefaultFile)
	now := time.Unix(1700000000, 500_000_000)
	require.NoError(t, Signal(p, now))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	v, err := strconv.ParseFloat(string(b), 64)
	require.NoError(t, err)
	assert.InDelta(t, 1700000000.5, v, 0.01)
	assert.True(t, Pending(p))

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSignal_Errors(t *testing.T) {
	assert.Error(t, Signal("", time.Now()))
	assert.Error(t, Signal(filepath.Join(t.TempDir(), "missing", "refresh_token"), time.Now()))
}

func TestWaitConsumed_AlreadyGone(t *testing.T) {
	p := filepath.Join(t.TempDir(), DefaultFile)
	assert.True(t, WaitConsumed(context.Background(), p, time.Second))
}

func TestWaitConsumed_Consumed(t *testing.T) {
	p := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, Signal(p, time.Now()))
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.Remove(p)
	}()
	start := time.Now()
	assert.True(t, WaitConsumed(context.Background(), p, 5*time.Second))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestWaitConsumed_Timeout(t *testing.T) {
	p := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, Signal(p, time.Now()))
	assert.False(t, WaitConsumed(context.Background(), p, 150*time.Millisecond))
	assert.True(t, Pending(p))
}

func TestWaitConsumed_ContextCancel(t *testing.T) {
	p := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, Signal(p, time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, WaitConsumed(ctx, p, 5*time.Second))
}

func TestPoll(t *testing.T) {
	p := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, Signal(p, time.Now()))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.Remove(p)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.True(t, poll(ctx, p))
}

func TestPurgeCaches(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, n := range DefaultCacheFiles {
		paths = append(paths, filepath.Join(dir, n))
	}
	require.NoError(t, os.WriteFile(paths[0], []byte("{}"), 0o600))
	require.NoError(t, os.WriteFile(paths[2], []byte("x"), 0o600))

	removed := PurgeCaches(paths)
	assert.Equal(t, []string{paths[0], paths[2]}, removed)
	for _, p := range paths {
		assert.NoFileExists(t, p)
	}
}
