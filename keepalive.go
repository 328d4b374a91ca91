package keepalive

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/keepalive/internal/config"
	"github.com/loykin/keepalive/internal/history"
	"github.com/loykin/keepalive/internal/history/factory"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/recovery"
	iapi "github.com/loykin/keepalive/internal/server"
	"github.com/loykin/keepalive/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Status = supervisor.Status

type State = supervisor.State

type Attempt = recovery.Attempt

type Strategy = recovery.Strategy

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func New(c *Config) *Supervisor { return &Supervisor{inner: supervisor.New(c)} }

func (s *Supervisor) SetHistory(sink HistorySink) { s.inner.History = sink }
func (s *Supervisor) Status() Status              { return s.inner.Status() }

// Run supervises until ctx is cancelled. It fails at once when another
// supervisor already holds the watchdog claim.
func (s *Supervisor) Run(ctx context.Context) error { return s.inner.Run(ctx) }

// ReadStatus decodes a status file written by a running supervisor.
func ReadStatus(path string) (Status, error) { return supervisor.ReadStatus(path) }

// NewHistorySink opens a recovery history sink from a DSN; see
// internal/history/factory for the accepted schemes.
func NewHistorySink(dsn, table string) (HistorySink, error) {
	return factory.NewSinkFromDSN(dsn, table)
}

// NewHTTPHandler returns the read-only status API for s, for mounting in an
// existing router. A nil gatherer serves the default registry.
func NewHTTPHandler(s *Supervisor, basePath string, g prometheus.Gatherer) http.Handler {
	return iapi.NewRouter(s.inner, basePath, g).Handler()
}

// NewHTTPServer starts the status API on addr without TLS.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner, nil, nil)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
