package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, code int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestCheck_Verdicts(t *testing.T) {
	cases := []struct {
		name string
		code int
		body string
		want Status
	}{
		{"healthy connected fresh", 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":10}`, StatusHealthy},
		{"healthy but disconnected", 200, `{"status":"healthy","bot_connected":false}`, StatusCritical},
		{"bot_connected absent", 200, `{"status":"healthy","last_heartbeat_age":1}`, StatusCritical},
		{"remote warning", 200, `{"status":"warning","bot_connected":true,"last_heartbeat_age":10}`, StatusWarning},
		{"remote unhealthy", 200, `{"status":"unhealthy","bot_connected":true,"last_heartbeat_age":10}`, StatusCritical},
		{"remote error", 200, `{"status":"error","bot_connected":true,"last_heartbeat_age":10}`, StatusCritical},
		{"stale heartbeat warns", 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":150}`, StatusWarning},
		{"very stale heartbeat", 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":301}`, StatusCritical},
		{"heartbeat age beyond duration range", 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":10000000000}`, StatusCritical},
		{"heartbeat age huge float", 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":1e300}`, StatusCritical},
		{"missing heartbeat age", 200, `{"status":"healthy","bot_connected":true}`, StatusUnknown},
		{"negative heartbeat age", 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":-4}`, StatusUnknown},
		{"unrecognised status", 200, `{"status":"sleepy","bot_connected":true,"last_heartbeat_age":1}`, StatusUnknown},
		{"non-200", 503, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":1}`, StatusUnknown},
		{"malformed json", 200, `{"status":`, StatusUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			url := serve(t, tc.code, tc.body)
			snap := Check(context.Background(), url, time.Second)
			assert.Equal(t, tc.want, snap.Status)
			assert.False(t, snap.ObservedAt.IsZero())
		})
	}
}

func TestCheck_ParsesFields(t *testing.T) {
	url := serve(t, 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":10,"uptime":3600,"process_id":4321}`)
	snap := Check(context.Background(), url, time.Second)
	require.True(t, snap.Healthy())
	assert.True(t, snap.BotConnected)
	assert.Equal(t, 10, snap.HeartbeatAge)
	assert.Equal(t, 3600, snap.Uptime)
	assert.Equal(t, 4321, snap.RemotePID)
	assert.Equal(t, "healthy", snap.Reported)
	assert.False(t, snap.Disconnected())
}

func TestCheck_Disconnected(t *testing.T) {
	url := serve(t, 200, `{"status":"healthy","bot_connected":false}`)
	snap := Check(context.Background(), url, time.Second)
	assert.True(t, snap.Disconnected())

	unknown := Snapshot{Status: StatusUnknown}
	assert.False(t, unknown.Disconnected(), "transport failures are not an auth signal")
}

func TestCheck_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	snap := Check(context.Background(), url, time.Second)
	assert.Equal(t, StatusUnknown, snap.Status)
	assert.NotEmpty(t, snap.Err)
}

func TestCheck_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	snap := Check(context.Background(), srv.URL, 100*time.Millisecond)
	assert.Equal(t, StatusUnknown, snap.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCheck_BadURL(t *testing.T) {
	snap := Check(context.Background(), "://nope", time.Second)
	assert.Equal(t, StatusUnknown, snap.Status)
}

func TestProbe_CustomThresholds(t *testing.T) {
	url := serve(t, 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":40}`)
	p := &Probe{URL: url, Timeout: time.Second, WarnAge: 30 * time.Second, CriticalAge: 60 * time.Second}
	assert.Equal(t, StatusWarning, p.Check(context.Background()).Status)
	p.CriticalAge = 35 * time.Second
	assert.Equal(t, StatusCritical, p.Check(context.Background()).Status)
}

// FuzzEvaluate ensures decodable bodies always yield a known status.
func FuzzEvaluate(f *testing.F) {
	f.Add(`{"status":"healthy","bot_connected":true,"last_heartbeat_age":1}`)
	f.Add(`{"status":"warning","bot_connected":true,"last_heartbeat_age":1e12}`)
	f.Add(`null`)
	p := &Probe{}
	f.Fuzz(func(t *testing.T, body string) {
		var pl payload
		if json.Unmarshal([]byte(body), &pl) != nil {
			return
		}
		switch p.evaluate(pl, time.Now()).Status {
		case StatusHealthy, StatusWarning, StatusCritical, StatusUnknown:
		default:
			t.Fatalf("unexpected status for %q", body)
		}
	})
}

func TestCheck_ClampsHugeAge(t *testing.T) {
	url := serve(t, 200, `{"status":"healthy","bot_connected":true,"last_heartbeat_age":10000000000,"uptime":1e30}`)
	snap := Check(context.Background(), url, time.Second)
	assert.Equal(t, StatusCritical, snap.Status)
	assert.Equal(t, maxSeconds, snap.HeartbeatAge)
	assert.Equal(t, maxSeconds, snap.Uptime)
}
