// Package health turns the bot's /healthz endpoint into a health verdict.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Status is the verdict of one probe.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultWarnAge     = 120 * time.Second
	DefaultCriticalAge = 300 * time.Second

	maxBodyBytes = 1 << 20

	// reported ages and uptimes past this are clamped before conversion.
	maxSeconds = 1<<31 - 1
)

// Snapshot is the outcome of a single probe. It lives for one supervisor cycle.
type Snapshot struct {
	Status       Status    `json:"status"`
	BotConnected bool      `json:"bot_connected"`
	HeartbeatAge int       `json:"heartbeat_age_seconds"` // -1 when not reported
	Reported     string    `json:"reported,omitempty"`    // status string sent by the endpoint
	RemotePID    int       `json:"remote_pid,omitempty"`
	Uptime       int       `json:"uptime,omitempty"`
	ObservedAt   time.Time `json:"observed_at"`
	Err          string    `json:"error,omitempty"`
}

// Healthy reports a confirmed-healthy observation.
func (s Snapshot) Healthy() bool { return s.Status == StatusHealthy }

// Disconnected reports that the endpoint answered but the bot is not connected
// to the gateway. This is the endpoint-side authentication signal.
func (s Snapshot) Disconnected() bool {
	return s.Status != StatusUnknown && !s.BotConnected
}

// payload mirrors the endpoint's JSON. Pointers distinguish missing fields.
type payload struct {
	Status           string   `json:"status"`
	BotConnected     *bool    `json:"bot_connected"`
	LastHeartbeatAge *float64 `json:"last_heartbeat_age"`
	Uptime           float64  `json:"uptime"`
	ProcessID        int      `json:"process_id"`
}

// Probe performs bounded health checks against URL.
type Probe struct {
	URL         string
	Timeout     time.Duration
	WarnAge     time.Duration
	CriticalAge time.Duration
	Client      *http.Client
	Now         func() time.Time
}

// NewProbe returns a Probe with default thresholds.
func NewProbe(url string, timeout time.Duration) *Probe {
	return &Probe{URL: url, Timeout: timeout}
}

// Check probes url once with default thresholds.
func Check(ctx context.Context, url string, timeout time.Duration) Snapshot {
	return NewProbe(url, timeout).Check(ctx)
}

func (p *Probe) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Probe) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	t := p.Timeout
	if t <= 0 {
		t = DefaultTimeout
	}
	return &http.Client{Timeout: t}
}

// Check issues one GET and returns a verdict. It never fails: transport
// errors, non-200 responses and undecodable bodies all yield StatusUnknown.
func (p *Probe) Check(ctx context.Context) (snap Snapshot) {
	snap = Snapshot{Status: StatusUnknown, HeartbeatAge: -1, ObservedAt: p.now()}
	defer func() {
		if r := recover(); r != nil {
			snap = Snapshot{Status: StatusUnknown, HeartbeatAge: -1, ObservedAt: p.now(), Err: fmt.Sprint("probe panic: ", r)}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		snap.Err = err.Error()
		return snap
	}
	resp, err := p.client().Do(req)
	if err != nil {
		snap.Err = err.Error()
		return snap
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snap.Err = fmt.Sprintf("unexpected status code %d", resp.StatusCode)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return snap
	}
	var pl payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&pl); err != nil {
		snap.Err = "malformed body: " + err.Error()
		return snap
	}
	return p.evaluate(pl, snap.ObservedAt)
}

// evaluate applies the verdict rules to a decoded payload:
//   - bot_connected false (or absent) is critical whatever status says;
//   - a missing or negative heartbeat age is unknown;
//   - heartbeat age past WarnAge caps the verdict at warning, past CriticalAge at critical.
func (p *Probe) evaluate(pl payload, at time.Time) Snapshot {
	snap := Snapshot{
		Status:       StatusUnknown,
		HeartbeatAge: -1,
		Reported:     pl.Status,
		RemotePID:    pl.ProcessID,
		Uptime:       int(min(pl.Uptime, maxSeconds)),
		ObservedAt:   at,
	}
	if pl.BotConnected != nil {
		snap.BotConnected = *pl.BotConnected
	}
	if pl.LastHeartbeatAge != nil && *pl.LastHeartbeatAge >= 0 {
		snap.HeartbeatAge = int(min(*pl.LastHeartbeatAge, maxSeconds))
	}

	if !snap.BotConnected {
		snap.Status = StatusCritical
		return snap
	}
	if snap.HeartbeatAge < 0 {
		snap.Err = "missing or negative heartbeat age"
		return snap
	}

	status := reportedStatus(pl.Status)
	if status == StatusUnknown {
		snap.Err = fmt.Sprintf("unrecognised status %q", pl.Status)
		return snap
	}
	switch age := snap.HeartbeatAge; {
	case age > int(p.criticalAge()/time.Second):
		status = StatusCritical
	case age > int(p.warnAge()/time.Second):
		status = worse(status, StatusWarning)
	}
	snap.Status = status
	if status != StatusHealthy {
		slog.Debug("health downgraded", "reported", pl.Status, "heartbeat_age", snap.HeartbeatAge, "verdict", status)
	}
	return snap
}

func (p *Probe) warnAge() time.Duration {
	if p.WarnAge > 0 {
		return p.WarnAge
	}
	return DefaultWarnAge
}

func (p *Probe) criticalAge() time.Duration {
	if p.CriticalAge > 0 {
		return p.CriticalAge
	}
	return DefaultCriticalAge
}

func reportedStatus(s string) Status {
	switch s {
	case "healthy", "ok":
		return StatusHealthy
	case "warning":
		return StatusWarning
	case "unhealthy", "error", "critical":
		return StatusCritical
	default:
		return StatusUnknown
	}
}

var severity = map[Status]int{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}
