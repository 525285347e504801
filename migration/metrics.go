package migration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus collectors the runner updates. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Runs              *prometheus.CounterVec
	MigrationsApplied prometheus.Counter
	Failures          *prometheus.CounterVec
	StatementDuration prometheus.Histogram
	MigrationDuration *prometheus.HistogramVec
	Head              prometheus.Gauge
	Pending           prometheus.Gauge
}

// NewMetrics creates the collectors under namespace and registers them on a
// fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "narrationdb"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Total number of migration runs by final state",
		}, []string{"state"}),
		MigrationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "applied_total",
			Help:      "Total number of migrations applied",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "failures_total",
			Help:      "Total number of failed runs by failure kind",
		}, []string{"kind"}),
		StatementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "statement_duration_seconds",
			Help:      "Duration of individual migration statements in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		MigrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "duration_seconds",
			Help:      "Duration of applying one migration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"}),
		Head: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "head_position",
			Help:      "Highest applied migration position after the last run",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "pending",
			Help:      "Migrations still pending after the last run",
		}),
	}
	reg.MustRegister(m.Runs, m.MigrationsApplied, m.Failures,
		m.StatementDuration, m.MigrationDuration, m.Head, m.Pending)
	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeStatement(d time.Duration) {
	if m == nil {
		return
	}
	m.StatementDuration.Observe(d.Seconds())
}

func (m *Metrics) observeApplied(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.MigrationsApplied.Inc()
	m.MigrationDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) observeRun(state State, kind string, head, pending int) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(string(state)).Inc()
	if kind != "" {
		m.Failures.WithLabelValues(kind).Inc()
	}
	m.Head.Set(float64(head))
	m.Pending.Set(float64(pending))
}
