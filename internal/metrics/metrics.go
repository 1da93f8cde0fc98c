package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storegate"

// Circuit breaker states as exported on the gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Collector tracks gateway metrics for Prometheus export. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	inFlight            prometheus.Gauge
	upstreamErrors      *prometheus.CounterVec
	upstreamDuration    *prometheus.HistogramVec
	rateLimitRejections prometheus.Counter
	rateLimitStoreErrs  prometheus.Counter
	authOutcomes        *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	backendHealth       *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of requests handled by the gateway.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight requests.",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Backend calls that failed before a response was received.",
		}, []string{"service", "kind"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "duration_seconds",
			Help:      "Time until backend response headers were received.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"service"}),
		rateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		rateLimitStoreErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Rate limit store failures that failed open.",
		}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "outcomes_total",
			Help:      "Authentication outcomes by result.",
		}, []string{"result"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Breaker state per backend: 0=closed, 1=open, 2=half-open.",
		}, []string{"service"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "healthy",
			Help:      "Result of the last deep health probe: 1=healthy, 0=unhealthy.",
		}, []string{"service"}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.inFlight,
		c.upstreamErrors,
		c.upstreamDuration,
		c.rateLimitRejections,
		c.rateLimitStoreErrs,
		c.authOutcomes,
		c.circuitBreakerState,
		c.backendHealth,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// InFlight adjusts the in-flight gauge by delta.
func (c *Collector) InFlight(delta float64) {
	if c == nil {
		return
	}
	c.inFlight.Add(delta)
}

// RecordUpstream records the time to backend response headers.
func (c *Collector) RecordUpstream(service string, duration time.Duration) {
	if c == nil {
		return
	}
	c.upstreamDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordUpstreamError records a backend call that produced no response.
// kind is one of timeout, connect, transport, circuit_open, unknown_service.
func (c *Collector) RecordUpstreamError(service, kind string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(service, kind).Inc()
}

// RecordRateLimitRejection records a 429.
func (c *Collector) RecordRateLimitRejection() {
	if c == nil {
		return
	}
	c.rateLimitRejections.Inc()
}

// RecordRateLimitStoreError records a store failure that failed open.
func (c *Collector) RecordRateLimitStoreError() {
	if c == nil {
		return
	}
	c.rateLimitStoreErrs.Inc()
}

// RecordAuth records an authentication outcome.
func (c *Collector) RecordAuth(result string) {
	if c == nil {
		return
	}
	c.authOutcomes.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a backend
func (c *Collector) SetCircuitBreakerState(service string, state int) {
	if c == nil {
		return
	}
	c.circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// SetBackendHealth sets the health status of a backend
func (c *Collector) SetBackendHealth(service string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.backendHealth.WithLabelValues(service).Set(v)
}
