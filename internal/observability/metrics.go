package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the lifecycle service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Transition metrics
	TransitionsTotal         *prometheus.CounterVec
	TransitionDuration       *prometheus.HistogramVec
	AuditAppendFailuresTotal *prometheus.CounterVec
	IdempotentReplaysTotal   *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
	StoreBreakerState prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifecycle_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifecycle_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifecycle_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Transitions
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_transitions_total",
			Help: "Total number of transition attempts by outcome and rejection reason.",
		}, []string{"entity_type", "outcome", "reason"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifecycle_transition_duration_seconds",
			Help:    "Transition attempt duration in seconds.",
			Buckets: transitionDurationBuckets,
		}, []string{"entity_type"}),
		AuditAppendFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_audit_append_failures_total",
			Help: "Total number of audit entries that could not be written.",
		}, []string{"entity_type"}),
		IdempotentReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_idempotent_replays_total",
			Help: "Total number of transition requests answered from the idempotency store.",
		}, []string{"entity_type"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifecycle_definitions_loaded",
			Help: "Number of loaded entity type definitions.",
		}),
		StoreBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifecycle_store_breaker_state",
			Help: "Store circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Transitions
		m.TransitionsTotal,
		m.TransitionDuration,
		m.AuditAppendFailuresTotal,
		m.IdempotentReplaysTotal,
		// System
		m.DefinitionsLoaded,
		m.StoreBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records one transition attempt. reason is the error code
// of a rejected or failed attempt and empty on success.
func (m *Metrics) RecordTransition(entityType, outcome, reason string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(entityType, outcome, reason).Inc()
	m.TransitionDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}

// RecordAuditAppendFailure records an audit entry that was not persisted.
func (m *Metrics) RecordAuditAppendFailure(entityType string) {
	m.AuditAppendFailuresTotal.WithLabelValues(entityType).Inc()
}

// RecordIdempotentReplay records a transition answered from a stored result.
func (m *Metrics) RecordIdempotentReplay(entityType string) {
	m.IdempotentReplaysTotal.WithLabelValues(entityType).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// SetStoreBreakerState records the store circuit breaker state.
func (m *Metrics) SetStoreBreakerState(state int) {
	m.StoreBreakerState.Set(float64(state))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// labelled by chi's route pattern rather than the URL path, which would
// otherwise put every entity ID into a label value.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = withRouteContext(r)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), statusOf(ww), time.Since(start), reqSize, ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// withRouteContext seeds r with an empty chi route context. A chi router
// served below fills in the same context, so middleware wrapped around the
// router can read the matched pattern afterwards.
func withRouteContext(r *http.Request) *http.Request {
	if chi.RouteContext(r.Context()) != nil {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
}

// routePattern returns the matched chi route pattern, or the URL path when
// nothing matched.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusOf returns the status a handler wrote, 200 when it wrote nothing.
func statusOf(ww middleware.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}
