// Package telemetry exposes Prometheus metrics for the sync engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instruments recorded by the orchestrator and engine
type Metrics struct {
	registry *prometheus.Registry

	SyncAttempts  *prometheus.CounterVec
	SyncDuration  prometheus.Histogram
	QueueDepth    prometheus.Gauge
	DroppedEvents prometheus.Counter
}

// NewMetrics creates and registers the sync metrics on a dedicated registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SyncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idsync_sync_attempts_total",
			Help: "Sync attempts by operation and result",
		}, []string{"operation", "result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idsync_sync_duration_seconds",
			Help:    "Duration of individual sync attempts",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idsync_queue_depth",
			Help: "Number of tasks currently queued for sync",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idsync_dropped_events_total",
			Help: "Notification events dropped because the queue was full",
		}),
	}

	registry.MustRegister(m.SyncAttempts, m.SyncDuration, m.QueueDepth, m.DroppedEvents)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
