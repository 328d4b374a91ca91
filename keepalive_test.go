package keepalive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, healthURL string) *Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KEEPALIVE_WORK_DIR", dir)
	t.Setenv("KEEPALIVE_HEALTH_URL", healthURL)
	t.Setenv("KEEPALIVE_BOT_SPAWN_ON_START", "false")
	c, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, dir, c.WorkDir)
	return c
}

func TestSupervisorFacade_RunStatusHandler(t *testing.T) {
	bot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","bot_connected":true,"last_heartbeat_age":2}`))
	}))
	defer bot.Close()

	c := loadTestConfig(t, bot.URL)
	s := New(c)
	sink := &recorder{}
	s.SetHistory(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().Cycles >= 1 }, 5*time.Second, 10*time.Millisecond)
	st := s.Status()
	require.NotNil(t, st.LastHealth)
	assert.True(t, st.LastHealth.Healthy())
	assert.Zero(t, st.Failures)

	h := NewHTTPHandler(s, "/keepalive", prometheus.NewRegistry())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keepalive/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.GreaterOrEqual(t, got.Cycles, uint64(1))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Empty(t, sink.events, "a healthy bot needs no recovery")

	persisted, err := ReadStatus(filepath.Join(c.WorkDir, "keepalive_status.json"))
	require.NoError(t, err)
	assert.Equal(t, State("shutting_down"), persisted.State)
}

func TestNewHistorySink(t *testing.T) {
	sink, err := NewHistorySink(filepath.Join(t.TempDir(), "h.db"), "")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), HistoryEvent{Strategy: "soft_refresh", Outcome: "success", OccurredAt: time.Now()}))

	_, err = NewHistorySink("mysql://nope", "")
	assert.Error(t, err)
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetrics(reg), "registering twice is harmless")
}

type recorder struct{ events []HistoryEvent }

func (r *recorder) Send(_ context.Context, e HistoryEvent) error {
	r.events = append(r.events, e)
	return nil
}
