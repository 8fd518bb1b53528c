// Package exporter serves HTTP and owns the Prometheus collectors.
package exporter

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the monitor's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	events        *prometheus.CounterVec
	rejected      prometheus.Counter
	dispatches    *prometheus.CounterVec
	pods          prometheus.Gauge
	nodes         prometheus.Gauge
	lastSuccess   prometheus.Gauge
	pruned        *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry, including the Go
// and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podmon",
			Name:      "cycles_total",
			Help:      "Monitoring cycles by outcome.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "podmon",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a monitoring cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podmon",
			Name:      "change_events_total",
			Help:      "Change events recorded, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "podmon",
			Name:      "rejected_entities_total",
			Help:      "Entities dropped by validation.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podmon",
			Name:      "dispatches_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		pods: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "podmon",
			Name:      "monitored_pods",
			Help:      "Pods in the latest snapshot.",
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "podmon",
			Name:      "monitored_nodes",
			Help:      "Nodes in the latest snapshot.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "podmon",
			Name:      "last_successful_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed cycle.",
		}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podmon",
			Name:      "pruned_rows_total",
			Help:      "History rows removed by retention, by table.",
		}, []string{"table"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.events, m.rejected, m.dispatches,
		m.pods, m.nodes, m.lastSuccess, m.pruned,
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(status string, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	if status == "completed" {
		m.lastSuccess.Set(float64(finishedAt.Unix()))
	}
}

// ObserveEvent counts a recorded change event.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveRejected counts entities dropped by validation.
func (m *Metrics) ObserveRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rejected.Add(float64(n))
}

// ObserveInventory sets the size of the latest snapshot.
func (m *Metrics) ObserveInventory(pods, nodes int) {
	if m == nil {
		return
	}
	m.pods.Set(float64(pods))
	m.nodes.Set(float64(nodes))
}

// ObserveDispatch counts one delivery outcome.
func (m *Metrics) ObserveDispatch(channel string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.dispatches.WithLabelValues(channel, result).Inc()
}

// ObservePrune counts rows removed by retention.
func (m *Metrics) ObservePrune(events, snapshots, dispatches int64) {
	if m == nil {
		return
	}
	m.pruned.WithLabelValues("events").Add(float64(events))
	m.pruned.WithLabelValues("snapshots").Add(float64(snapshots))
	m.pruned.WithLabelValues("dispatches").Add(float64(dispatches))
}
