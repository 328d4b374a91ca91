package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepalive/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var body []byte
	var path, method, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path, ctype = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(srv.URL+"/", "recovery-history")
	ev := history.Event{
		AttemptID:  "6f1c",
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Strategy:   "soft_refresh",
		Failures:   1,
		Outcome:    "success",
		Health:     "healthy",
		DurationMS: 10010,
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/recovery-history/_doc/6f1c", path)
	assert.Equal(t, "application/json", ctype)

	var got history.Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, ev, got)

	require.NoError(t, sink.Send(context.Background(), history.Event{Strategy: "kill_and_respawn"}))
	assert.Equal(t, http.MethodPost, method, "no id lets the cluster assign one")
	assert.Equal(t, "/recovery-history/_doc", path)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.Event{})
	require.ErrorContains(t, err, "status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	require.Error(t, New(url, "idx").Send(context.Background(), history.Event{}))
}
