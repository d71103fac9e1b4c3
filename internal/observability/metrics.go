package observability

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value used for requests that do not
// match any configured route, ensuring bounded cardinality.
const unmatchedRoute = "unmatched"

// Metrics holds the Prometheus metrics of the proxy.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeSessions    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	upstreamErrors    *prometheus.CounterVec
	authzDenied       *prometheus.CounterVec
	rateLimitHits     *prometheus.CounterVec
	circuitBreaker    *prometheus.GaugeVec
	certificateChange prometheus.Counter
	buildInfo         *prometheus.GaugeVec
	startTime         prometheus.Gauge
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avamtls"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests served over authenticated sessions",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30, 60,
			},
		},
		[]string{"method", "route"},
	)

	m.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open authenticated sessions",
		},
	)

	m.sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of authenticated sessions established",
		},
	)

	m.upstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of failed upstream requests",
		},
		[]string{"route", "reason"},
	)

	m.authzDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_denied_total",
			Help:      "Total number of requests denied by a route policy",
		},
		[]string{"route"},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of rate limited requests",
		},
		[]string{"route"},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help: "Upstream circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"route"},
	)

	m.certificateChange = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_changes_detected_total",
			Help:      "Changes to certificate files detected on disk; they take effect after restart",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the proxy",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the proxy in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeSessions,
		m.sessionsTotal,
		m.upstreamErrors,
		m.authzDenied,
		m.rateLimitHits,
		m.circuitBreaker,
		m.certificateChange,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SessionOpened increments the active sessions gauge.
func (m *Metrics) SessionOpened() {
	m.activeSessions.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed decrements the active sessions gauge.
func (m *Metrics) SessionClosed() {
	m.activeSessions.Dec()
}

// RecordUpstreamError records a failed upstream request.
func (m *Metrics) RecordUpstreamError(route, reason string) {
	m.upstreamErrors.WithLabelValues(route, reason).Inc()
}

// RecordAuthzDenied records a policy denial.
func (m *Metrics) RecordAuthzDenied(route string) {
	m.authzDenied.WithLabelValues(route).Inc()
}

// RecordRateLimitHit records a rate limited request.
func (m *Metrics) RecordRateLimitHit(route string) {
	m.rateLimitHits.WithLabelValues(route).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state of a route.
func (m *Metrics) SetCircuitBreakerState(route string, state int) {
	m.circuitBreaker.WithLabelValues(route).Set(float64(state))
}

// RecordCertificateChange records a change to certificate files on disk.
func (m *Metrics) RecordCertificateChange() {
	m.certificateChange.Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector registers an additional collector with the registry
// backing the metrics endpoint.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	return m.registry.Register(c)
}

// routeHolder carries the matched route name from the routing core
// back out to the metrics middleware.
type routeHolder struct {
	name atomic.Value
}

type routeHolderKey struct{}

// SetRoute records the matched route for the request metrics. It is a
// no-op when the request did not pass through MetricsMiddleware.
func SetRoute(ctx context.Context, route string) {
	if h, ok := ctx.Value(routeHolderKey{}).(*routeHolder); ok {
		h.name.Store(route)
	}
}

func (h *routeHolder) route() string {
	if name, ok := h.name.Load().(string); ok && name != "" {
		return name
	}
	return unmatchedRoute
}

// MetricsMiddleware returns a middleware that records request metrics.
// The route label comes from SetRoute rather than the raw path, so
// dynamic path segments cannot explode cardinality.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			holder := &routeHolder{}

			rw := &metricsResponseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), routeHolderKey{}, holder)))

			metrics.RecordRequest(r.Method, holder.route(), rw.status, time.Since(start))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code.
func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface for streaming support.
func (rw *metricsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker interface for WebSocket support.
func (rw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap returns the underlying writer for http.ResponseController.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
