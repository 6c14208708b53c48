package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay. Each instance
// carries its own registry so tests can build throwaway copies.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections  prometheus.Gauge
	AdmissionDecisions *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	TaskTransitions    *prometheus.CounterVec
	OutboundRequests   *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
	PollDeliveries     prometheus.Counter
	SnapshotErrors     prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open client websocket connections.",
		}),
		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Connection admission decisions by outcome.",
		}, []string{"outcome"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and status.",
		}, []string{"direction", "status"}),
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions by mode and resulting state.",
		}, []string{"mode", "state"}),
		OutboundRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_requests_total",
			Help:      "Outbound HTTP calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by operation and outcome.",
		}, []string{"operation", "outcome"}),
		PollDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_deliveries_total",
			Help:      "Pending results delivered to clients by the polling loop.",
		}),
		SnapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_errors_total",
			Help:      "Failed task snapshot writes.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
