// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for provider calls.
const (
	OutcomeOK             = "ok"
	OutcomeBackendError   = "backend_error"
	OutcomeTransportError = "transport_error"
)

// LatencyBuckets spans 100ms to 120s, the default outbound timeout.
var LatencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics groups the gateway collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests     *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderTokens   *prometheus.CounterVec
}

// New creates and registers the gateway collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Inbound HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_requests_total",
				Help: "Outbound backend requests",
			},
			[]string{"provider", "operation", "outcome"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provider_latency_seconds",
				Help:    "Backend latency",
				Buckets: LatencyBuckets,
			},
			[]string{"provider", "operation"},
		),
		ProviderTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_tokens_total",
				Help: "Tokens reported by backends",
			},
			[]string{"provider", "direction"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequests,
		m.ProviderRequests,
		m.ProviderLatency,
		m.ProviderTokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// StatusClass collapses an HTTP status to "2xx", "4xx" and so on.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
