package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector defines the interface for collecting engine metrics
type MetricsCollector interface {
	RecordTick(sessionType string, duration time.Duration, overBudget bool)
	RecordTickSkipped(sessionType string)
	RecordInput(sessionType string, code string)
	RecordFrame(frameType string, outcome string)
	RecordPublishAttempt(frameType string, attempt int, success bool)
	RecordQueueDepth(sessionType string, depth int)
	RecordSnapshot(sessionType string, reason string)
	RecordSessions(active int)
}

// Frame outcomes.
const (
	FrameSent      = "sent"
	FrameDropped   = "dropped"
	FrameCoalesced = "coalesced"
	FrameFailed    = "failed"
)

// InputAccepted is recorded as the code of accepted inputs.
const InputAccepted = "ACCEPTED"

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordTick(string, time.Duration, bool) {}
func (NoOpMetricsCollector) RecordTickSkipped(string)               {}
func (NoOpMetricsCollector) RecordInput(string, string)             {}
func (NoOpMetricsCollector) RecordFrame(string, string)             {}
func (NoOpMetricsCollector) RecordPublishAttempt(string, int, bool) {}
func (NoOpMetricsCollector) RecordQueueDepth(string, int)           {}
func (NoOpMetricsCollector) RecordSnapshot(string, string)          {}
func (NoOpMetricsCollector) RecordSessions(int)                     {}

// PrometheusMetrics implements MetricsCollector using Prometheus
type PrometheusMetrics struct {
	tickDuration    *prometheus.HistogramVec
	ticksOverBudget *prometheus.CounterVec
	ticksSkipped    *prometheus.CounterVec
	inputs          *prometheus.CounterVec
	frames          *prometheus.CounterVec
	publishAttempts *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	snapshots       *prometheus.CounterVec
	sessions        prometheus.Gauge
}

// NewPrometheusMetrics registers the collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statesync",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent executing one session tick.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"session_type"}),
		ticksOverBudget: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "ticks_over_budget_total",
			Help:      "Ticks that exceeded their processing budget.",
		}, []string{"session_type"}),
		ticksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "ticks_skipped_total",
			Help:      "Ticks not started because the previous tick was still running.",
		}, []string{"session_type"}),
		inputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "inputs_total",
			Help:      "Submitted inputs by result code.",
		}, []string{"session_type", "code"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "frames_total",
			Help:      "Outbound frames by type and outcome.",
		}, []string{"type", "outcome"}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "publish_attempts_total",
			Help:      "Transport publish attempts.",
		}, []string{"type", "attempt", "status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statesync",
			Name:      "outbound_queue_depth",
			Help:      "Frames waiting in a dispatcher queue.",
		}, []string{"session_type"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Name:      "snapshots_total",
			Help:      "Snapshots captured by reason.",
		}, []string{"session_type", "reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statesync",
			Name:      "sessions_active",
			Help:      "Sessions currently registered.",
		}),
	}
	reg.MustRegister(
		m.tickDuration, m.ticksOverBudget, m.ticksSkipped, m.inputs, m.frames,
		m.publishAttempts, m.queueDepth, m.snapshots, m.sessions,
	)
	return m
}

func (m *PrometheusMetrics) RecordTick(sessionType string, duration time.Duration, overBudget bool) {
	m.tickDuration.WithLabelValues(sessionType).Observe(duration.Seconds())
	if overBudget {
		m.ticksOverBudget.WithLabelValues(sessionType).Inc()
	}
}

func (m *PrometheusMetrics) RecordTickSkipped(sessionType string) {
	m.ticksSkipped.WithLabelValues(sessionType).Inc()
}

func (m *PrometheusMetrics) RecordInput(sessionType string, code string) {
	m.inputs.WithLabelValues(sessionType, code).Inc()
}

func (m *PrometheusMetrics) RecordFrame(frameType string, outcome string) {
	m.frames.WithLabelValues(frameType, outcome).Inc()
}

func (m *PrometheusMetrics) RecordPublishAttempt(frameType string, attempt int, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.publishAttempts.WithLabelValues(frameType, strconv.Itoa(attempt), status).Inc()
}

func (m *PrometheusMetrics) RecordQueueDepth(sessionType string, depth int) {
	m.queueDepth.WithLabelValues(sessionType).Set(float64(depth))
}

func (m *PrometheusMetrics) RecordSnapshot(sessionType string, reason string) {
	m.snapshots.WithLabelValues(sessionType, reason).Inc()
}

func (m *PrometheusMetrics) RecordSessions(active int) {
	m.sessions.Set(float64(active))
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
