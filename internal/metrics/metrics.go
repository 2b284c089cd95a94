// Package metrics exposes the Prometheus collectors of the sync core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tanksync"

// Metrics holds every collector on its own registry
type Metrics struct {
	registry *prometheus.Registry

	merges       *prometheus.CounterVec
	requests     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	connected    prometheus.Gauge
	pushPending  prometheus.Gauge
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "field_merges_total",
			Help:      "Merges that changed a record, by record and the writer whose update triggered the merge.",
		}, []string{"record", "trigger"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloud_requests_total",
			Help:      "Cloud HTTP attempts by endpoint and status code (0 for transport errors).",
		}, []string{"path", "code"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Tasks not started because one of the same kind was running or the pool was full.",
		}, []string{"kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of background tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"kind", "outcome"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cloud_connected",
			Help:      "1 while the last cloud sync succeeded and the link is up.",
		}),
		pushPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_pending",
			Help:      "1 while local changes wait to be pushed with priority.",
		}),
	}
	m.registry.MustRegister(
		m.merges, m.requests, m.dropped, m.taskDuration, m.connected, m.pushPending,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Merged counts a merge that changed record after an update from trigger
func (m *Metrics) Merged(record, trigger string) {
	m.merges.WithLabelValues(record, trigger).Inc()
}

// Request counts one cloud HTTP attempt
func (m *Metrics) Request(path string, code int, _ error) {
	m.requests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}

// Dropped counts a task that was not started
func (m *Metrics) Dropped(kind string) {
	m.dropped.WithLabelValues(kind).Inc()
}

// Finished observes the duration of a task
func (m *Metrics) Finished(kind string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.taskDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// SetStatus publishes the connection state
func (m *Metrics) SetStatus(connected, pushPending bool) {
	m.connected.Set(boolGauge(connected))
	m.pushPending.Set(boolGauge(pushPending))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
