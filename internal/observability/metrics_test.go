package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/leadboard/internal/reconcile"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"leadboard_http_requests_total",
		"leadboard_http_request_duration_seconds",
		"leadboard_http_response_size_bytes",
		"leadboard_upstream_requests_total",
		"leadboard_upstream_request_duration_seconds",
		"leadboard_upstream_circuit_breaker_state",
		"leadboard_upstream_retries_total",
		"leadboard_cache_hits_total",
		"leadboard_cache_misses_total",
		"leadboard_cache_errors_total",
		"leadboard_reconcile_total",
		"leadboard_reconcile_steps_total",
		"leadboard_reconcile_system_steps_total",
		"leadboard_reconcile_duplicate_orders_total",
	}

	// Vec metrics only appear in Gather once a series exists.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 100)
	m.RecordUpstreamRequest("http", "get_job", 200, time.Millisecond)
	m.SetCircuitBreakerState("http", 0)
	m.RecordUpstreamRetry("http")
	m.RecordCacheHit("job")
	m.RecordCacheMiss("job")
	m.RecordCacheError("job")
	m.ObserveReconcile(reconcile.Summary{})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/jobs/{jobID}", 200, 50*time.Millisecond, 1024)
	m.RecordHTTPRequest("GET", "/api/jobs/{jobID}", 200, 100*time.Millisecond, 2048)
	m.RecordHTTPRequest("GET", "/api/workflows/{workflowID}/versions", 502, 200*time.Millisecond, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/jobs/{jobID}", "200"))
	if val != 2 {
		t.Errorf("job requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{workflowID}/versions", "502"))
	if val != 1 {
		t.Errorf("version requests = %v, want 1", val)
	}
}

func TestRecordUpstreamRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordUpstreamRequest("http", "get_workflow", 200, 10*time.Millisecond)
	m.RecordUpstreamRequest("http", "get_workflow", 0, 10*time.Millisecond)
	m.RecordUpstreamRetry("http")
	m.RecordUpstreamRetry("http")

	if v := testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("http", "get_workflow", "200")); v != 1 {
		t.Errorf("200 requests = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("http", "get_workflow", "0")); v != 1 {
		t.Errorf("failed requests = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.UpstreamRetriesTotal.WithLabelValues("http")); v != 2 {
		t.Errorf("retries = %v, want 2", v)
	}
	if n := testutil.CollectAndCount(m.UpstreamRequestDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetCircuitBreakerState("http", 2)
	if v := testutil.ToFloat64(m.UpstreamCircuitBreakerState.WithLabelValues("http")); v != 2 {
		t.Errorf("state = %v, want 2", v)
	}
	m.SetCircuitBreakerState("http", 0)
	if v := testutil.ToFloat64(m.UpstreamCircuitBreakerState.WithLabelValues("http")); v != 0 {
		t.Errorf("state = %v, want 0", v)
	}
}

func TestCacheCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCacheHit("workflow")
	m.RecordCacheHit("workflow")
	m.RecordCacheMiss("workflow")
	m.RecordCacheError("job")

	if v := testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("workflow")); v != 2 {
		t.Errorf("hits = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("workflow")); v != 1 {
		t.Errorf("misses = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.CacheErrorsTotal.WithLabelValues("job")); v != 1 {
		t.Errorf("errors = %v, want 1", v)
	}
}

func TestObserveReconcile(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ObserveReconcile(reconcile.Summary{
		Pending:         2,
		InProgress:      1,
		Completed:       3,
		SystemSteps:     1,
		DuplicateOrders: 1,
	})
	m.ObserveReconcile(reconcile.Summary{Failed: 1, Fallback: true})

	if v := testutil.ToFloat64(m.ReconcileTotal.WithLabelValues("workflow")); v != 1 {
		t.Errorf("workflow passes = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ReconcileTotal.WithLabelValues("fallback")); v != 1 {
		t.Errorf("fallback passes = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ReconcileStepsTotal.WithLabelValues("completed")); v != 3 {
		t.Errorf("completed steps = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.ReconcileStepsTotal.WithLabelValues("failed")); v != 1 {
		t.Errorf("failed steps = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ReconcileSystemStepsTotal); v != 1 {
		t.Errorf("system steps = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ReconcileDuplicateOrdersTotal); v != 1 {
		t.Errorf("duplicate orders = %v, want 1", v)
	}
}

func TestMetrics_satisfiesReconcileObserver(t *testing.T) {
	m, _ := newTestMetrics(t)
	var _ reconcile.Observer = m
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/jobs/{jobID}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/jobs/{jobID}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
	if n := testutil.CollectAndCount(m.HTTPResponseSizeBytes); n == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_subrouterPattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/api", func(r chi.Router) {
		r.Get("/workflows/{workflowID}/versions", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/wf-1/versions", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{workflowID}/versions", "404"))
	if val != 1 {
		t.Errorf("404 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordCacheHit("job")

	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "leadboard_cache_hits_total") {
		t.Error("metrics response should contain leadboard_cache_hits_total")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":     httpDurationBuckets,
		"upstream": upstreamDurationBuckets,
		"body":     bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
