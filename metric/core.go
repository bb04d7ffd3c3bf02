package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the metrics every listener process exports.
type Metrics struct {
	AdapterState       prometheus.Gauge
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	TransformErrors    *prometheus.CounterVec
	ActionDuration     *prometheus.HistogramVec
	WorkItems          *prometheus.CounterVec
	StreamReconnects   *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	StoreOperations    *prometheus.CounterVec
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the listener metrics. They are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		AdapterState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "adapter", Name: "state",
			Help: "Adapter lifecycle state (0=created, 1=registered, 2=running, 3=draining, 4=stopped)",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "messages", Name: "received_total",
			Help: "Raw messages delivered by network sources",
		}, []string{"stream"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "messages", Name: "processed_total",
			Help: "Messages taken off the pending queue",
		}, []string{"subject", "status"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "messages", Name: "dropped_total",
			Help: "Messages discarded before reaching a provider",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "queue", Name: "depth",
			Help: "Messages waiting in the pending queue",
		}),
		TransformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "provider", Name: "transform_errors_total",
			Help: "Raw payloads a provider failed to transform",
		}, []string{"provider"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: "provider", Name: "action_duration_seconds",
			Help:    "Time spent acting on a single transformed record",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		WorkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "workqueue", Name: "items_total",
			Help: "Work items grabbed by outcome",
		}, []string{"outcome"}),
		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "stream", Name: "reconnects_total",
			Help: "Attempts to restart a stream that failed to start",
		}, []string{"stream"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publish", Name: "messages_total",
			Help: "Messages handed to the publish sink",
		}, []string{"topic"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "publish", Name: "failures_total",
			Help: "Messages the publish sink rejected",
		}, []string{"topic"}),
		StoreOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "store", Name: "operations_total",
			Help: "Store operations performed by system actions",
		}, []string{"kind"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "nats", Name: "reconnects_total",
			Help: "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "nats", Name: "circuit_breaker",
			Help: "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AdapterState, m.MessagesReceived, m.MessagesProcessed, m.MessagesDropped,
		m.QueueDepth, m.TransformErrors, m.ActionDuration, m.WorkItems,
		m.StreamReconnects, m.MessagesPublished, m.PublishFailures, m.StoreOperations,
		m.NATSConnected, m.NATSReconnects, m.NATSCircuitBreaker,
	}
}

// A nil *Metrics is valid; every Record method is then a no-op.

func (m *Metrics) RecordAdapterState(state int) {
	if m == nil {
		return
	}
	m.AdapterState.Set(float64(state))
}

func (m *Metrics) RecordReceived(stream string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(stream).Inc()
}

func (m *Metrics) RecordProcessed(subject, status string) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(subject, status).Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) RecordTransformError(provider string) {
	if m == nil {
		return
	}
	m.TransformErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordActionDuration(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordWorkItem(outcome string) {
	if m == nil {
		return
	}
	m.WorkItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStreamReconnect(stream string) {
	if m == nil {
		return
	}
	m.StreamReconnects.WithLabelValues(stream).Inc()
}

// RecordPublish counts a publish attempt on topic.
func (m *Metrics) RecordPublish(topic string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MessagesPublished.WithLabelValues(topic).Inc()
		return
	}
	m.PublishFailures.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordStoreOperation(kind string, n int) {
	if m == nil {
		return
	}
	m.StoreOperations.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.NATSConnected.Set(v)
}

func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}
