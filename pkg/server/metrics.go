package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. Every method is safe to
// call on a nil *Metrics so tests can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec
	messagesPersisted prometheus.Counter
	aiJobs            *prometheus.CounterVec
	aiLatency         prometheus.Histogram
	storeErrors       *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatgw_active_connections",
			Help: "Authenticated connections currently registered",
		}),
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgw_connections_total",
			Help: "Connection lifecycle events",
		}, []string{"event"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgw_frames_received_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgw_frames_sent_total",
			Help: "Outbound frames by type",
		}, []string{"type"}),
		broadcastFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatgw_broadcast_fanout",
			Help:    "Recipients per broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"kind"}),
		broadcastDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatgw_broadcast_duration_seconds",
			Help:    "Time spent writing one broadcast to all recipients",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"kind"}),
		messagesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgw_messages_persisted_total",
			Help: "Chat messages written to the store",
		}),
		aiJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgw_ai_jobs_total",
			Help: "AI responder jobs by outcome",
		}, []string{"outcome"}),
		aiLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatgw_ai_completion_seconds",
			Help:    "Completion provider latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 9),
		}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgw_store_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"op"}),
	}
}

// Handler serves this registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) RecordConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordFramesSent(frameType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesSent.WithLabelValues(frameType).Add(float64(n))
}

func (m *Metrics) RecordBroadcast(kind string, recipients int, seconds float64) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(kind).Observe(float64(recipients))
	m.broadcastDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) RecordMessagePersisted() {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
}

func (m *Metrics) RecordAIJob(outcome string) {
	if m == nil {
		return
	}
	m.aiJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAILatency(seconds float64) {
	if m == nil {
		return
	}
	m.aiLatency.Observe(seconds)
}

func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
