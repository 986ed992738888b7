package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/leadboard/internal/reconcile"
)

var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	upstreamDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	UpstreamRequestsTotal       *prometheus.CounterVec
	UpstreamRequestDuration     *prometheus.HistogramVec
	UpstreamCircuitBreakerState *prometheus.GaugeVec
	UpstreamRetriesTotal        *prometheus.CounterVec

	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheErrorsTotal *prometheus.CounterVec

	ReconcileTotal                *prometheus.CounterVec
	ReconcileStepsTotal           *prometheus.CounterVec
	ReconcileSystemStepsTotal     prometheus.Counter
	ReconcileDuplicateOrdersTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadboard_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_upstream_requests_total",
			Help: "Total number of record source requests.",
		}, []string{"source", "operation", "status"}),
		UpstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadboard_upstream_request_duration_seconds",
			Help:    "Record source request duration in seconds.",
			Buckets: upstreamDurationBuckets,
		}, []string{"source", "operation"}),
		UpstreamCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leadboard_upstream_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"source"}),
		UpstreamRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_upstream_retries_total",
			Help: "Total number of record source request retries.",
		}, []string{"source"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_cache_hits_total",
			Help: "Total snapshot cache hits.",
		}, []string{"kind"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_cache_misses_total",
			Help: "Total snapshot cache misses.",
		}, []string{"kind"}),
		CacheErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_cache_errors_total",
			Help: "Total snapshot cache backend errors.",
		}, []string{"kind"}),

		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_reconcile_total",
			Help: "Total reconciliation passes by mode (workflow or fallback).",
		}, []string{"mode"}),
		ReconcileStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadboard_reconcile_steps_total",
			Help: "Total reconciled steps by resulting status.",
		}, []string{"status"}),
		ReconcileSystemStepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadboard_reconcile_system_steps_total",
			Help: "Total reconciled steps without a workflow definition counterpart.",
		}),
		ReconcileDuplicateOrdersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadboard_reconcile_duplicate_orders_total",
			Help: "Total execution records superseded by a later record for the same step.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.UpstreamCircuitBreakerState,
		m.UpstreamRetriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		m.ReconcileTotal,
		m.ReconcileStepsTotal,
		m.ReconcileSystemStepsTotal,
		m.ReconcileDuplicateOrdersTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordUpstreamRequest records one request to a record source. A status of
// 0 means the request never produced a response.
func (m *Metrics) RecordUpstreamRequest(source, operation string, status int, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(source, operation, strconv.Itoa(status)).Inc()
	m.UpstreamRequestDuration.WithLabelValues(source, operation).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state for a source.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(source string, state float64) {
	m.UpstreamCircuitBreakerState.WithLabelValues(source).Set(state)
}

// RecordUpstreamRetry records a retried source request.
func (m *Metrics) RecordUpstreamRetry(source string) {
	m.UpstreamRetriesTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordCacheHit(kind string) {
	m.CacheHitsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheMiss(kind string) {
	m.CacheMissesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordCacheError(kind string) {
	m.CacheErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveReconcile implements reconcile.Observer.
func (m *Metrics) ObserveReconcile(s reconcile.Summary) {
	mode := "workflow"
	if s.Fallback {
		mode = "fallback"
	}
	m.ReconcileTotal.WithLabelValues(mode).Inc()
	m.ReconcileStepsTotal.WithLabelValues("pending").Add(float64(s.Pending))
	m.ReconcileStepsTotal.WithLabelValues("in_progress").Add(float64(s.InProgress))
	m.ReconcileStepsTotal.WithLabelValues("completed").Add(float64(s.Completed))
	m.ReconcileStepsTotal.WithLabelValues("failed").Add(float64(s.Failed))
	m.ReconcileSystemStepsTotal.Add(float64(s.SystemSteps))
	m.ReconcileDuplicateOrdersTotal.Add(float64(s.DuplicateOrders))
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics under chi's route pattern, so
// job and workflow ids never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), responseStatus(ww), time.Since(start), ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns the Prometheus HTTP handler for a custom registry.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
