package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "prickless"

// 丢弃原因
const (
	DropMalformed     = "malformed"
	DropMissingFields = "missing_fields"
	DropQueueFull     = "queue_full"
	DropUnknownTopic  = "unknown_topic"
)

// 推理结果
const (
	InferenceSuccess = "success"
	InferenceFailure = "failure"
	InferenceSkipped = "skipped"
)

// Metrics 摄取管道指标
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	ReadingsStored    prometheus.Counter
	StorageFailures   *prometheus.CounterVec
	InferenceRequests *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	AlertsCreated     *prometheus.CounterVec
	StatusUpdates     prometheus.Counter
	TransportState    prometheus.Gauge
	ActiveQueues      prometheus.Gauge
	HandlerPanics     prometheus.Counter
	EnrichDropped     prometheus.Counter
}

// NewMetrics 创建并注册指标；reg 为 nil 时不注册（测试用）
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Total number of MQTT messages received, by route",
		}, []string{"route"}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Total number of messages dropped before storage, by reason",
		}, []string{"reason"}),

		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "readings",
			Name:      "stored_total",
			Help:      "Total number of readings persisted",
		}),

		StorageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "failures_total",
			Help:      "Total number of storage failures, by operation",
		}, []string{"operation"}),

		InferenceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Inference outcomes (success, failure, skipped)",
		}, []string{"outcome"}),

		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "Inference call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),

		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Total number of glucose alerts created",
		}, []string{"type", "severity"}),

		StatusUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "status_updates_total",
			Help:      "Total number of device status updates applied",
		}),

		TransportState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "MQTT connection state (0=offline, 1=reconnecting, 2=connected)",
		}),

		ActiveQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "active_queues",
			Help:      "Number of live per-device queues",
		}),

		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "handler_panics_total",
			Help:      "Total number of recovered panics in message handlers",
		}),

		EnrichDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "dropped_total",
			Help:      "Stored readings whose enrichment was dropped because the backlog was full",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.MessagesDropped,
			m.ReadingsStored,
			m.StorageFailures,
			m.InferenceRequests,
			m.InferenceDuration,
			m.AlertsCreated,
			m.StatusUpdates,
			m.TransportState,
			m.ActiveQueues,
			m.HandlerPanics,
			m.EnrichDropped,
		)
	}
	return m
}
