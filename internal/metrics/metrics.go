package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keepalive"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health probes by verdict.",
		}, []string{"status"},
	)
	consecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "consecutive_failures",
			Help:      "Current failure streak driving the escalation ladder.",
		},
	)
	attemptsInWindow = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_in_window",
			Help:      "Recovery attempts inside the sliding rate-limit window.",
		},
	)
	recoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"},
	)
	recoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Wall time of a recovery attempt including grace and confirming check.",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 30, 60, 120},
		}, []string{"strategy"},
	)
	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "rate_limited_total",
			Help:      "Cycles in which a due recovery was suspended by the attempt cap.",
		},
	)
	logMatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logscan",
			Name:      "matches_total",
			Help:      "New authentication failure lines found in bot logs.",
		},
	)
	reaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "terminated_total",
			Help:      "Processes terminated by the reaper.",
		}, []string{"scope"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Supervisor state machine transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active).",
		}, []string{"state"},
	)
	hostUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "usage_percent",
			Help:      "Host resource usage sampled each cycle.",
		}, []string{"resource"},
	)
	botCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised bot process.",
		},
	)
	botMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the supervised bot process.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		healthChecks, consecutiveFailures, attemptsInWindow, recoveryAttempts, recoveryDuration,
		rateLimited, logMatches, reaped, stateTransitions, currentState, hostUsage, botCPU, botMemory,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveHealth(status string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(status).Inc()
	}
}

func SetLadder(failures, inWindow int) {
	if regOK.Load() {
		consecutiveFailures.Set(float64(failures))
		attemptsInWindow.Set(float64(inWindow))
	}
}

func ObserveAttempt(strategy, outcome string, seconds float64) {
	if regOK.Load() {
		recoveryAttempts.WithLabelValues(strategy, outcome).Inc()
		recoveryDuration.WithLabelValues(strategy).Observe(seconds)
	}
}

func IncRateLimited() {
	if regOK.Load() {
		rateLimited.Inc()
	}
}

func AddLogMatches(n int) {
	if regOK.Load() && n > 0 {
		logMatches.Add(float64(n))
	}
}

func AddReaped(scope string, n int) {
	if regOK.Load() && n > 0 {
		reaped.WithLabelValues(scope).Add(float64(n))
	}
}

// RecordStateTransition counts from→to and flips the state gauge.
func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		if from != "" {
			currentState.WithLabelValues(from).Set(0)
		}
		currentState.WithLabelValues(to).Set(1)
	}
}

func SetHostUsage(r Resources) {
	if regOK.Load() {
		hostUsage.WithLabelValues("cpu").Set(r.CPU)
		hostUsage.WithLabelValues("memory").Set(r.Memory)
		hostUsage.WithLabelValues("disk").Set(r.Disk)
	}
}

func SetBotUsage(p ProcessMetrics) {
	if regOK.Load() {
		botCPU.Set(p.CPUPercent)
		botMemory.Set(float64(p.MemoryRSS))
	}
}
