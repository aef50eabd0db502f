// Package metrics counts detection and sync outcomes with Prometheus
// collectors. sentinel runs as short-lived invocations, so there is no
// scrape endpoint: counters can be exported to a node_exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds sentinel's collectors on a private registry.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	detections    *prometheus.CounterVec
	suspicious    prometheus.Counter
	charsAdded    prometheus.Counter
	velocity      prometheus.Histogram
	syncs         *prometheus.CounterVec
	syncAttempts  prometheus.Histogram
	syncDuration  prometheus.Histogram
	conflicts     prometheus.Counter
	queuePending  prometheus.Gauge
	publishedRecs prometheus.Counter
}

// New registers sentinel's collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_detections_total",
			Help: "Detection runs by result",
		}, []string{"result"}),
		suspicious: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_suspicious_observations_total",
			Help: "Observations whose velocity exceeded the threshold",
		}),
		charsAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_chars_added_total",
			Help: "Characters added across recorded observations",
		}),
		velocity: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_velocity_chars_per_second",
			Help:    "Observed change velocity",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 500, 1000},
		}),
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_syncs_total",
			Help: "Sync runs by outcome",
		}, []string{"outcome"}),
		syncAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_sync_attempts",
			Help:    "Reconciliation attempts per sync",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		syncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_sync_duration_seconds",
			Help:    "Wall time of a sync run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_reconciliation_conflicts_total",
			Help: "Rebase conflicts inside this agent's own partition",
		}),
		queuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_queue_pending",
			Help: "Observations waiting in the local append log",
		}),
		publishedRecs: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_published_observations_total",
			Help: "Observations confirmed on the remote",
		}),
	}
}

// Registry exposes the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Detection records one detection run. failed runs carry no observation data.
func (m *Metrics) Detection(failed bool, charsAdded int, velocity float64, suspicious bool) {
	if m == nil {
		return
	}
	if failed {
		m.detections.WithLabelValues("failed").Inc()
		return
	}
	m.detections.WithLabelValues("recorded").Inc()
	m.charsAdded.Add(float64(charsAdded))
	m.velocity.Observe(velocity)
	if suspicious {
		m.suspicious.Inc()
	}
}

// Sync records one sync run.
func (m *Metrics) Sync(outcome string, attempts, published int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(outcome).Inc()
	m.syncAttempts.Observe(float64(attempts))
	m.syncDuration.Observe(elapsed.Seconds())
	m.publishedRecs.Add(float64(published))
}

// Conflict counts a reconciliation conflict in the agent's own partition.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// QueuePending sets the current local append log depth.
func (m *Metrics) QueuePending(n int) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(n))
}

// WriteTextfile writes every collector to path in the text exposition
// format, atomically, for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
