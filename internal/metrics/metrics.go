// Package metrics exposes Prometheus counters and histograms for the
// coordinator's reconcile cycles, task transitions, and oracle call
// latency, served over net/http. Where the teacher hand-rolls Prometheus
// text-format output in its own /metrics/prometheus handler, this module
// uses github.com/prometheus/client_golang directly: the runtime's
// exported metrics are closed-vocabulary counters/histograms rather than
// a free-form DB-backed summary, which is exactly what the client
// library's registry is for.
//
// Only the registry and its /metrics handler are wired up: no code in
// this module records values into these metrics, so they report their
// initial values.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the runtime reports, scoped to one
// process (coordinator or agent).
type Registry struct {
	registry *prometheus.Registry

	ReconcileCycles  *prometheus.CounterVec
	ReconcileSeconds prometheus.Histogram
	TaskTransitions  *prometheus.CounterVec
	OracleCallSeconds *prometheus.HistogramVec
	AgentsSpawned    prometheus.Counter
	ActiveLeases     prometheus.Gauge
}

// New constructs a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		ReconcileCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "reconcile_cycles_total",
			Help:      "Reconcile cycles run, labeled by outcome.",
		}, []string{"outcome"}),
		ReconcileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orchestra",
			Name:      "reconcile_cycle_seconds",
			Help:      "Wall-clock duration of one reconcile cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "task_transitions_total",
			Help:      "Task state transitions, labeled by the resulting status.",
		}, []string{"status"}),
		OracleCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestra",
			Name:      "oracle_call_seconds",
			Help:      "Oracle CLI round-trip latency, labeled by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		AgentsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "agents_spawned_total",
			Help:      "Agent processes spawned by the coordinator.",
		}),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestra",
			Name:      "active_leases",
			Help:      "Task leases currently held by this process.",
		}),
	}

	reg.MustRegister(
		r.ReconcileCycles,
		r.ReconcileSeconds,
		r.TaskTransitions,
		r.OracleCallSeconds,
		r.AgentsSpawned,
		r.ActiveLeases,
	)
	return r
}

// Handler returns an http.Handler serving the registry in Prometheus
// text format at whatever path the caller mounts it on.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
