package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookDeliveries  *prometheus.CounterVec
	ProviderRequests   *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	GenerationsTotal   *prometheus.CounterVec
	GenerationsRunning prometheus.Gauge
	QuotaOperations    *prometheus.CounterVec
	Cashbacks          prometheus.Counter
	OutgoingMessages   *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = newMetrics(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered builds a fresh collector set that is not attached to the
// default registry. Tests use it to avoid duplicate registration panics.
func NewUnregistered() *Metrics {
	return newMetrics("test")
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Payment webhook deliveries by provider and result.",
		}, []string{"provider", "result"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Outbound provider API requests by provider, endpoint and status.",
		}, []string{"provider", "endpoint", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency distribution for outbound provider requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation jobs that reached a terminal state.",
		}, []string{"status"}),
		GenerationsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_running",
			Help:      "Generation jobs currently held by a worker.",
		}),
		QuotaOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_operations_total",
			Help:      "Quota ledger operations by kind and bucket.",
		}, []string{"op", "bucket"}),
		Cashbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expert_cashbacks_total",
			Help:      "Cashback entries credited to experts.",
		}),
		OutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_messages_total",
			Help:      "Total outgoing user notifications sent.",
		}, []string{"type"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.WebhookDeliveries,
		m.ProviderRequests,
		m.ProviderLatency,
		m.GenerationsTotal,
		m.GenerationsRunning,
		m.QuotaOperations,
		m.Cashbacks,
		m.OutgoingMessages,
		m.Errors,
	}
}
