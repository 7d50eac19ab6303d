// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/apphub/apphub/internal/core"
)

// Metrics bundles the engine collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	stepFailures     *prometheus.CounterVec
	stepRetries      prometheus.Counter
	scheduleFires    prometheus.Counter
	triggerMatches   *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	analyticsLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apphub",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "apphub",
			Subsystem: "workflow",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of completed runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apphub",
			Subsystem: "workflow",
			Name:      "step_failures_total",
			Help:      "Step attempt failures by failure category.",
		}, []string{"reason"}),
		stepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apphub",
			Subsystem: "workflow",
			Name:      "step_retries_total",
			Help:      "Step attempts rescheduled by retry policy.",
		}),
		scheduleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apphub",
			Subsystem: "scheduler",
			Name:      "schedule_fires_total",
			Help:      "Cron schedule windows materialized into runs.",
		}),
		triggerMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apphub",
			Subsystem: "scheduler",
			Name:      "trigger_deliveries_total",
			Help:      "Event trigger deliveries by outcome.",
		}, []string{"status"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apphub",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus by type.",
		}, []string{"type"}),
		analyticsLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "apphub",
			Subsystem: "analytics",
			Name:      "snapshot_duration_seconds",
			Help:      "Time spent computing one analytics snapshot.",
		}),
	}
	m.registry.MustRegister(
		m.runsTotal, m.runDuration, m.stepFailures, m.stepRetries,
		m.scheduleFires, m.triggerMatches, m.eventsPublished, m.analyticsLatency,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RunCompleted(status core.RunStatus, durationSeconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(status)).Inc()
	if durationSeconds > 0 {
		m.runDuration.Observe(durationSeconds)
	}
}

func (m *Metrics) StepFailed(reason core.FailureReason) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) StepRetried() {
	if m == nil {
		return
	}
	m.stepRetries.Inc()
}

func (m *Metrics) ScheduleFired() {
	if m == nil {
		return
	}
	m.scheduleFires.Inc()
}

func (m *Metrics) TriggerDelivery(status core.DeliveryStatus) {
	if m == nil {
		return
	}
	m.triggerMatches.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) AnalyticsSnapshotTook(seconds float64) {
	if m == nil {
		return
	}
	m.analyticsLatency.Observe(seconds)
}
