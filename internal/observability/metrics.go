// Package observability exposes the Prometheus collectors for the service.
// Registries are lazily-initialised singletons so adapters can record from
// anywhere without plumbing.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payor"

var (
	registryOnce sync.Once
	registry     *prometheus.Registry

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics

	paymentMetricsOnce sync.Once
	paymentRegistry    *PaymentMetrics

	breakerMetricsOnce sync.Once
	breakerRegistry    *BreakerMetrics

	webhookMetricsOnce sync.Once
	webhookRegistry    *WebhookMetrics
)

// Registry returns the service's private Prometheus registry. Keeping it
// off the global default registry means nothing a dependency registers
// leaks into /metrics, and tests can gather it in isolation.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return registry
}

// Handler serves the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

// HTTPMetrics tracks inbound API traffic.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by method, route, and status code.",
			}, []string{"method", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
		Registry().MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one handled request. Route should be the template path
// ("/api/v1/payments/:id"), not the raw URL, to keep cardinality bounded.
func (m *HTTPMetrics) Observe(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// PaymentMetrics tracks charge and refund outcomes per provider.
type PaymentMetrics struct {
	payments        *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

// Payments returns the lazily-initialised payment metrics registry.
func Payments() *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &PaymentMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payments",
				Name:      "processed_total",
				Help:      "Count of payments reaching a settled status, segmented by provider and status.",
			}, []string{"provider", "status"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "refunds",
				Name:      "processed_total",
				Help:      "Count of refunds reaching a settled status, segmented by provider and status.",
			}, []string{"provider", "status"}),
			providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for provider charge and refund calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "operation"}),
		}
		Registry().MustRegister(
			paymentRegistry.payments,
			paymentRegistry.refunds,
			paymentRegistry.providerLatency,
		)
	})
	return paymentRegistry
}

// RecordPayment counts a payment that reached the given status.
func (m *PaymentMetrics) RecordPayment(provider, status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(provider, status).Inc()
}

// RecordRefund counts a refund that reached the given status.
func (m *PaymentMetrics) RecordRefund(provider, status string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(provider, status).Inc()
}

// ObserveProviderCall records the duration of one provider API call.
func (m *PaymentMetrics) ObserveProviderCall(provider, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// BreakerMetrics tracks circuit breaker state per provider.
type BreakerMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// Breakers returns the lazily-initialised breaker metrics registry.
func Breakers() *BreakerMetrics {
	breakerMetricsOnce.Do(func() {
		breakerRegistry = &BreakerMetrics{
			state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit state per breaker: 0 closed, 1 half-open, 2 open.",
			}, []string{"name"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Count of circuit state transitions segmented by breaker and target state.",
			}, []string{"name", "to"}),
		}
		Registry().MustRegister(breakerRegistry.state, breakerRegistry.transitions)
	})
	return breakerRegistry
}

// RecordTransition updates the state gauge and transition counter.
func (m *BreakerMetrics) RecordTransition(name, to string) {
	if m == nil {
		return
	}
	var val float64
	switch to {
	case "half-open":
		val = 1
	case "open":
		val = 2
	}
	m.state.WithLabelValues(name).Set(val)
	m.transitions.WithLabelValues(name, to).Inc()
}

// WebhookMetrics tracks outbound merchant webhook delivery.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
	queued     prometheus.Gauge
}

// Webhooks returns the lazily-initialised webhook metrics registry.
func Webhooks() *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhooks",
				Name:      "deliveries_total",
				Help:      "Count of delivery attempts segmented by outcome (sent, retried, failed).",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "webhooks",
				Name:      "delivery_duration_seconds",
				Help:      "Latency distribution for webhook endpoint calls.",
				Buckets:   prometheus.DefBuckets,
			}),
			queued: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "webhooks",
				Name:      "sweep_backlog",
				Help:      "Number of overdue events found by the last sweep.",
			}),
		}
		Registry().MustRegister(
			webhookRegistry.deliveries,
			webhookRegistry.latency,
			webhookRegistry.queued,
		)
	})
	return webhookRegistry
}

// RecordDelivery counts one delivery attempt outcome and its duration.
func (m *WebhookMetrics) RecordDelivery(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.latency.Observe(duration.Seconds())
}

// RecordSweepBacklog records how many overdue events the sweeper found.
func (m *WebhookMetrics) RecordSweepBacklog(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}
