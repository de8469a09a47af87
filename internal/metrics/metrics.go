// Package metrics exposes the pipeline's Prometheus instrumentation on a
// dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's instruments. A nil *Metrics is a valid no-op
// receiver so callers never need to guard their observation sites.
type Metrics struct {
	registry *prometheus.Registry

	snapshotsIngested prometheus.Counter
	suggestions       prometheus.Counter
	verdicts          *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionSeconds  prometheus.Histogram
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		snapshotsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "snapshots_ingested_total",
			Help:      "UI snapshots accepted by the observe endpoint.",
		}),
		suggestions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "actions_suggested_total",
			Help:      "Candidate actions produced by the suggestion engine.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "policy_verdicts_total",
			Help:      "Policy evaluations by outcome.",
		}, []string{"outcome", "rule"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "brokerd",
			Name:      "executions_total",
			Help:      "Execution attempts by final status.",
		}, []string{"status"}),
		executionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "brokerd",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of execution attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(m.snapshotsIngested, m.suggestions, m.verdicts, m.executions, m.executionSeconds)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SnapshotIngested counts one accepted snapshot.
func (m *Metrics) SnapshotIngested() {
	if m != nil {
		m.snapshotsIngested.Inc()
	}
}

// ActionsSuggested counts candidate actions from one observe pass.
func (m *Metrics) ActionsSuggested(n int) {
	if m != nil && n > 0 {
		m.suggestions.Add(float64(n))
	}
}

// VerdictRecorded counts one policy evaluation. rule is empty for allowed
// verdicts.
func (m *Metrics) VerdictRecorded(allowed bool, rule string) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.verdicts.WithLabelValues(outcome, rule).Inc()
}

// ExecutionFinished counts one execution attempt and observes its duration.
func (m *Metrics) ExecutionFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
	m.executionSeconds.Observe(d.Seconds())
}
