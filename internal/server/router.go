package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/supervisor"
)

// StatusSource is what the router reports on; *supervisor.Supervisor satisfies it.
type StatusSource interface {
	Status() supervisor.Status
}

// Router provides embeddable read-only HTTP handlers for the supervisor.
// Endpoints:
//
//	GET {basePath}/status         full supervisor status
//	GET {basePath}/attempts/last  most recent recovery attempt, 404 when none
//	GET {basePath}/healthz        200 while supervising, 503 once shutting down
//	GET {basePath}/metrics        prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	basePath string
	gatherer prometheus.Gatherer
}

// NewRouter constructs a Router. A nil gatherer serves the default registry.
func NewRouter(src StatusSource, basePath string, g prometheus.Gatherer) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath), gatherer: g}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/attempts/last", r.handleLastAttempt)
	group.GET("/healthz", r.handleHealthz)
	mh := metrics.Handler()
	if r.gatherer != nil {
		mh = metrics.HandlerFor(r.gatherer)
	}
	group.GET("/metrics", gin.WrapH(mh))
	return g
}

// NewServer binds addr and serves the router in the background, over TLS when
// tlsCfg is non-nil. Bind errors are returned; serve errors after that are logged.
func NewServer(addr, basePath string, src StatusSource, g prometheus.Gatherer, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(src, basePath, g).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server stopped", "addr", server.Addr, "error", err)
		}
	}()
	slog.Info("status server listening", "addr", server.Addr, "tls", tlsCfg != nil)
	return server, nil
}

// Shutdown stops srv, waiting at most timeout for open requests.
func Shutdown(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("status server shutdown", "error", err)
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK       bool             `json:"ok"`
	State    supervisor.State `json:"state"`
	Failures int              `json:"consecutive_failures"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Status())
}

func (r *Router) handleLastAttempt(c *gin.Context) {
	st := r.src.Status()
	if st.LastAttempt == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no recovery attempt yet"})
		return
	}
	writeJSON(c, http.StatusOK, st.LastAttempt)
}

func (r *Router) handleHealthz(c *gin.Context) {
	st := r.src.Status()
	resp := healthResp{OK: st.State != supervisor.StateShuttingDown && st.State != "", State: st.State, Failures: st.Failures}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, resp)
}
