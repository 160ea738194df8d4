// Package observability provides the gateway's metrics and tracing hook
// (spec.md §4.11/§6): counters and histograms keyed by low-cardinality
// labels only (upstream host, status class, error kind — never tenant ID),
// and one OpenTelemetry span per proxied request.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. Unlike the teacher's
// hand-rolled Collector, label values are pre-bucketed by the caller
// (status class, not raw status code; route template, not raw path) so the
// cardinality bound spec.md §6 requires is enforced at the call site, not
// hoped for at the label.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
	breakerState       *prometheus.GaugeVec
	rateLimitRejections *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with its own registry, so embedding
// this gateway in a larger process never collides with that process's
// default Prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oagw",
			Name:      "requests_total",
			Help:      "Total proxied requests by route template, method, and status class.",
		}, []string{"route", "method", "status_class"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oagw",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds by route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oagw",
			Name:      "concurrency_queue_depth",
			Help:      "Current queued-request depth per concurrency-limiter scope.",
		}, []string{"scope"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oagw",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per upstream host (0=closed, 1=half_open, 2=open).",
		}, []string{"upstream_host"}),
		rateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oagw",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter, by scope.",
		}, []string{"scope"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oagw",
			Name:      "errors_total",
			Help:      "Gateway-originated errors by typed error kind.",
		}, []string{"error_kind"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.queueDepth,
		m.breakerState,
		m.rateLimitRejections,
		m.errorsTotal,
	)
	return m
}

// StatusClass buckets an HTTP status code into "2xx"/"3xx"/"4xx"/"5xx", the
// coarsest label spec.md §6 permits for response outcome.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// RecordRequest records one completed proxy call.
func (m *Metrics) RecordRequest(routeTemplate, method string, status int, d time.Duration) {
	m.requestsTotal.WithLabelValues(routeTemplate, method, StatusClass(status)).Inc()
	m.requestDuration.WithLabelValues(routeTemplate).Observe(d.Seconds())
}

// SetQueueDepth reports the current depth of one concurrency-limiter scope.
func (m *Metrics) SetQueueDepth(scope string, depth int) {
	m.queueDepth.WithLabelValues(scope).Set(float64(depth))
}

// BreakerStateValue maps a Gate snapshot state string to the gauge's
// numeric encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}

// SetBreakerState reports one upstream host's circuit breaker state.
func (m *Metrics) SetBreakerState(upstreamHost, state string) {
	m.breakerState.WithLabelValues(upstreamHost).Set(BreakerStateValue(state))
}

// RecordRateLimitRejection counts a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitRejection(scope string) {
	m.rateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordError counts a gateway-originated error by its typed reason.
func (m *Metrics) RecordError(errorKind string) {
	m.errorsTotal.WithLabelValues(errorKind).Inc()
}

// Handler exposes the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
