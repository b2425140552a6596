// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors the gateway registers.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	ActiveRequests        prometheus.Gauge
	RateLimitRejects      prometheus.Counter
	QuotaRejects          prometheus.Counter
	TokensProcessed       *prometheus.CounterVec // labels: model, kind (prompt/completion)
	BackendHealth         *prometheus.GaugeVec   // labels: backend; 0=unhealthy 1=degraded 2=healthy
	CircuitBreakerState   *prometheus.GaugeVec   // labels: backend
	CircuitBreakerRejects *prometheus.CounterVec // labels: backend
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "gateway",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "ratelimit_rejects_total",
			Help:      "Total requests rejected by the per-client rate limiter.",
		}),

		QuotaRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "quota_rejects_total",
			Help:      "Total requests rejected for exceeding the monthly token quota.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "tokens_processed_total",
			Help:      "Total tokens recorded against client quotas.",
		}, []string{"model", "kind"}),

		BackendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "backend_health",
			Help:      "Backend health status (0=unhealthy, 1=degraded, 2=healthy).",
		}, []string{"backend"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half_open).",
		}, []string{"backend"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by a backend's circuit breaker.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.QuotaRejects,
		m.TokensProcessed,
		m.BackendHealth,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}
