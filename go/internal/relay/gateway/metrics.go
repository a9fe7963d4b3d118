package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector defines the interface for collecting relay metrics
type MetricsCollector interface {
	RecordConnection(opened bool)
	RecordFrame(event string)
	RecordDelivery(event string, delivered bool)
	RecordSweep(removed int, duration time.Duration)
	SetActiveUsers(count int)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordConnection(opened bool) {}
func (NoOpMetricsCollector) RecordFrame(event string) {}
func (NoOpMetricsCollector) RecordDelivery(event string, delivered bool) {}
func (NoOpMetricsCollector) RecordSweep(removed int, duration time.Duration) {}
func (NoOpMetricsCollector) SetActiveUsers(count int) {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	connections   *prometheus.CounterVec
	frames        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	swept         prometheus.Counter
	sweepDuration prometheus.Histogram
	activeUsers   prometheus.Gauge
}

// NewPrometheusMetrics creates the relay metrics and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connections_total",
				Help: "WebSocket connections opened and closed",
			},
			[]string{"action"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_received_total",
				Help: "Frames received from clients by event",
			},
			[]string{"event"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_total",
				Help: "Frames forwarded to another user by event and outcome",
			},
			[]string{"event", "status"},
		),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_presence_swept_total",
			Help: "Users dropped for inactivity",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_presence_sweep_duration_seconds",
			Help:    "Time spent sweeping inactive users",
			Buckets: prometheus.DefBuckets,
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_users",
			Help: "Registered users seen by the last presence query",
		}),
	}
	reg.MustRegister(m.connections, m.frames, m.deliveries, m.swept, m.sweepDuration, m.activeUsers)
	return m
}

func (m *PrometheusMetrics) RecordConnection(opened bool) {
	action := "opened"
	if !opened {
		action = "closed"
	}
	m.connections.WithLabelValues(action).Inc()
}

func (m *PrometheusMetrics) RecordFrame(event string) {
	m.frames.WithLabelValues(event).Inc()
}

func (m *PrometheusMetrics) RecordDelivery(event string, delivered bool) {
	status := "delivered"
	if !delivered {
		status = "failed"
	}
	m.deliveries.WithLabelValues(event, status).Inc()
}

func (m *PrometheusMetrics) RecordSweep(removed int, duration time.Duration) {
	m.swept.Add(float64(removed))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *PrometheusMetrics) SetActiveUsers(count int) {
	m.activeUsers.Set(float64(count))
}
