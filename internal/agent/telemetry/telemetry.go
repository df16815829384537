package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gradepilot/gradepilot/config"
)

// Telemetry tracks agent loop and dispatch metrics on a private prometheus
// registry. A nil *Telemetry is valid and records nothing, so library code
// never has to guard its Record calls.
type Telemetry struct {
	registry *prometheus.Registry

	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	runSteps          prometheus.Histogram
	recoveryFailures  prometheus.Counter
	dispatchOutcomes  *prometheus.CounterVec
	dispatchDurations *prometheus.HistogramVec
}

// NewTelemetry creates a telemetry instance backed by a private registry.
// Callers gate construction on TelemetryConfig.Enabled; a nil *Telemetry
// disables recording entirely.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	service := cfg.ServiceName
	if service == "" {
		service = "gradepilot"
	}

	t := &Telemetry{registry: prometheus.NewRegistry()}
	labels := prometheus.Labels{"service": service}

	t.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "agent_runs_total",
		Help:        "Agent loop runs by terminal result.",
		ConstLabels: labels,
	}, []string{"result"})
	t.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "agent_run_duration_seconds",
		Help:        "Wall-clock duration of agent loop runs.",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	t.runSteps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "agent_run_steps",
		Help:        "Planning/execution cycles per run.",
		ConstLabels: labels,
		Buckets:     prometheus.LinearBuckets(0, 1, 12),
	})
	t.recoveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "recovery_failures_total",
		Help:        "Planning completions no recovery candidate could decode.",
		ConstLabels: labels,
	})
	t.dispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dispatch_outcomes_total",
		Help:        "Rubric item outcomes by status.",
		ConstLabels: labels,
	}, []string{"status"})
	t.dispatchDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "dispatch_item_duration_seconds",
		Help:        "Per-item grading duration by status.",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"status"})

	t.registry.MustRegister(
		t.runsTotal, t.runDuration, t.runSteps,
		t.recoveryFailures, t.dispatchOutcomes, t.dispatchDurations,
	)
	return t
}

// RecordRun records one agent loop termination.
func (t *Telemetry) RecordRun(duration time.Duration, steps int, success bool) {
	if t == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	t.runsTotal.WithLabelValues(result).Inc()
	t.runDuration.Observe(duration.Seconds())
	t.runSteps.Observe(float64(steps))
}

// RecordRecoveryFailure counts a planning completion that defeated recovery.
func (t *Telemetry) RecordRecoveryFailure() {
	if t == nil {
		return
	}
	t.recoveryFailures.Inc()
}

// RecordDispatchOutcome records one rubric item's terminal status.
func (t *Telemetry) RecordDispatchOutcome(status string, duration time.Duration) {
	if t == nil {
		return
	}
	t.dispatchOutcomes.WithLabelValues(status).Inc()
	t.dispatchDurations.WithLabelValues(status).Observe(duration.Seconds())
}

// Handler exposes the telemetry registry for scraping.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}
