// Package integration provides a reusable test harness for end-to-end
// testing of the leadboard server. It starts the full HTTP stack in front of
// a mock lead-magnet API, with a snapshot cache and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/leadboard/internal/cache"
	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/dashboard"
	"github.com/pitabwire/leadboard/internal/observability"
	"github.com/pitabwire/leadboard/internal/reconcile"
	"github.com/pitabwire/leadboard/internal/source"
	"github.com/pitabwire/leadboard/internal/transport"
	"github.com/pitabwire/leadboard/model"
)

// TestHarness is a fully wired leadboard instance backed by a mock
// lead-magnet API.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend

	// Internal components exposed for advanced test scenarios.
	Source    *source.HTTPSource
	Store     *cache.MemoryStore
	Dashboard *dashboard.Service
	Metrics   *observability.Metrics
	Registry  *prometheus.Registry
	Config    *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithCircuitBreaker overrides the upstream circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *config.Config) {
		c.Source.HTTP.CircuitBreaker = cb
	}
}

// WithRetry overrides the upstream retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *config.Config) {
		c.Source.HTTP.Retry = r
	}
}

// WithUpstreamTimeout sets the per-request upstream timeout.
func WithUpstreamTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) {
		c.Source.HTTP.Timeout = d
	}
}

// WithoutCache disables the snapshot cache.
func WithoutCache() HarnessOption {
	return func(c *config.Config) {
		c.Cache.Driver = config.CacheNone
	}
}

// WithDashboardLimits overrides the job list limits.
func WithDashboardLimits(def, max int) HarnessOption {
	return func(c *config.Config) {
		c.Dashboard = config.DashboardConfig{DefaultJobLimit: def, MaxJobLimit: max}
	}
}

// NewTestHarness creates and starts a full leadboard test instance. The
// servers are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	h := &TestHarness{
		t:       t,
		issuer:  newTokenIssuer(t),
		backend: newMockBackend(t),
	}

	cfg := config.Defaults()
	cfg.Identity.Issuer = testIssuer
	cfg.Identity.Audience = testAudience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Identity.Algorithms = []string{"ES256"}
	cfg.Source.HTTP.BaseURL = h.backend.URL()
	cfg.Source.HTTP.Timeout = 5 * time.Second
	cfg.Source.HTTP.Retry = config.RetryConfig{MaxAttempts: 1}
	cfg.Source.HTTP.CircuitBreaker = config.CircuitBreakerConfig{
		FailureThreshold: 50,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
	cfg.Server.HandlerTimeout = 10 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}
	h.Config = cfg

	logger := zap.NewNop()
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)

	h.Source = source.NewHTTPSource(cfg.Source.HTTP,
		source.WithRecorder(h.Metrics),
		source.WithLogger(logger),
	)

	var src source.Source = h.Source
	readiness := observability.ReadinessChecks{Source: h.Source}
	if cfg.Cache.Driver != config.CacheNone {
		h.Store = cache.NewMemoryStore(cfg.Cache.MaxEntries)
		readiness.Cache = h.Store
		src = cache.NewCachedSource(h.Source, h.Store, cache.Options{
			TTL:        cfg.Cache.TTL,
			JobTTL:     cfg.Cache.JobTTL,
			PerSubject: cfg.Source.Driver == config.SourceHTTP && cfg.Source.HTTP.ForwardToken,
			Recorder:   h.Metrics,
			Logger:     logger,
		})
	}

	h.Dashboard = dashboard.NewService(src,
		reconcile.New(
			reconcile.WithObserver(h.Metrics),
			reconcile.WithObserver(observability.LogObserver(logger)),
		),
		cfg.Dashboard,
		logger,
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Dashboard:      h.Dashboard,
		Metrics:        h.Metrics,
		MetricsHandler: observability.HandlerFor(h.Registry),
		Readiness:      readiness,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock lead-magnet API.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.GETWithHeaders(path, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, h.server.URL+path, nil)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and envelope code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for a dashboard operator in tenant acme.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator-1",
		TenantID:  "tenant-acme",
		Email:     "operator@acme.test",
	}
}

// --- Fixtures ---

// AuditWorkflow returns a two-step workflow document where the second step
// depends on the first.
func AuditWorkflow() map[string]any {
	return map[string]any{
		"workflow_id":   "wf-audit",
		"workflow_name": "SEO Audit",
		"version":       2,
		"steps": []map[string]any{
			{"step_name": "Research", "model": "gpt-4o", "tools": []string{"web_search"}},
			{"step_name": "Write report", "model": "gpt-4o", "depends_on": []int{0}, "dependency_labels": map[string]string{"0": "Research notes"}},
		},
	}
}

// RunningJob returns a processing job with a form submission and a
// completed first step.
func RunningJob(id string) map[string]any {
	return map[string]any{
		"job_id":      id,
		"workflow_id": "wf-audit",
		"status":      "processing",
		"created_at":  "2024-03-02T08:30:00Z",
		"execution_steps": []map[string]any{
			{"step_order": 0, "step_type": "form_submission", "output": map[string]any{"email": "lead@example.com"}},
			{"step_order": 1, "step_type": "ai_generation", "output": "Notes about the company.", "started_at": 1709366400, "completed_at": 1709366460},
		},
	}
}

// CompletedJob returns a finished job created at the given RFC 3339 time.
func CompletedJob(id, createdAt string) map[string]any {
	return map[string]any{
		"job_id":      id,
		"workflow_id": "wf-audit",
		"status":      "completed",
		"created_at":  createdAt,
		"execution_steps": []map[string]any{
			{"step_order": 1, "step_type": "workflow_step", "output": "Research done."},
			{"step_order": 2, "step_type": "workflow_step", "output": "Report done."},
		},
	}
}
