// Package metrics holds the Prometheus collectors for request capture and
// dashboard activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adminpanel"

type Metrics struct {
	requestsCaptured  *prometheus.CounterVec
	captureFailures   prometheus.Counter
	captureSkipped    prometheus.Counter
	requestDuration   *prometheus.HistogramVec
	dashboardActions  *prometheus.CounterVec
	recordsCleared    prometheus.Counter
	recordsPruned     prometheus.Counter
	wsConnections     prometheus.Gauge
	wsMessagesDropped *prometheus.CounterVec
}

// New registers every collector on reg. Tests pass a fresh
// prometheus.NewRegistry(); serve passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestsCaptured: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_captured_total",
				Help:      "Requests recorded by the capture middleware",
			},
			[]string{"method", "status"},
		),
		captureFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Records that could not be persisted",
		}),
		captureSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_skipped_total",
			Help:      "Requests not recorded because their path is whitelisted",
		}),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Handler duration of captured requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		dashboardActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dashboard_actions_total",
				Help:      "Dashboard operations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		recordsCleared: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_cleared_total",
			Help:      "Records deleted by clear-all",
		}),
		recordsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_pruned_total",
			Help:      "Records deleted by the retention pruner",
		}),
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections",
		}),
		wsMessagesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_dropped_total",
				Help:      "WebSocket messages dropped",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) RequestCaptured(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsCaptured.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) CaptureFailed() {
	if m == nil {
		return
	}
	m.captureFailures.Inc()
}

func (m *Metrics) CaptureSkipped() {
	if m == nil {
		return
	}
	m.captureSkipped.Inc()
}

// DashboardAction counts one controller call; outcome is "ok" or "error".
func (m *Metrics) DashboardAction(action string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.dashboardActions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) RecordsCleared(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsCleared.Add(float64(n))
}

func (m *Metrics) RecordsPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsPruned.Add(float64(n))
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// WSDropped counts a discarded message; reason is "rate_limit" or "slow_consumer".
func (m *Metrics) WSDropped(reason string) {
	if m == nil {
		return
	}
	m.wsMessagesDropped.WithLabelValues(reason).Inc()
}
