package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/observability"
	"github.com/pitabwire/leadboard/model"
)

const (
	httpSourceName  = "http"
	maxResponseSize = 10 << 20
	maxRetryAfter   = 10 * time.Second
)

// HTTPSource reads records from the lead-magnet admin REST API.
//
// Requests carry the caller's bearer token (when forwarding is enabled),
// tenant and correlation headers, and W3C trace context. Reads are retried
// with exponential backoff on 5xx and 429 responses and on connection
// errors, behind a circuit breaker.
type HTTPSource struct {
	cfg      config.HTTPConfig
	baseURL  string
	client   *http.Client
	breaker  *CircuitBreaker
	recorder Recorder
	logger   *zap.Logger
}

// NewHTTPSource creates a REST-backed source.
func NewHTTPSource(cfg config.HTTPConfig, opts ...Option) *HTTPSource {
	o := buildOptions(opts)

	client := o.client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	s := &HTTPSource{
		cfg:      cfg,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		breaker:  NewCircuitBreaker(cfg.CircuitBreaker),
		recorder: o.recorder,
		logger:   o.logger,
	}
	s.recorder.SetCircuitBreakerState(httpSourceName, BreakerClosed.Gauge())
	return s
}

// GetWorkflow fetches GET /admin/workflows/{id}.
func (s *HTTPSource) GetWorkflow(ctx context.Context, rctx *model.RequestContext, workflowID string) (model.Workflow, error) {
	var wf model.Workflow
	body, err := s.get(ctx, rctx, OpGetWorkflow, "/admin/workflows/"+url.PathEscape(workflowID), nil)
	if err != nil {
		return wf, err
	}
	if err := json.Unmarshal(unwrapData(body), &wf); err != nil {
		return wf, fmt.Errorf("source: decode workflow %q: %w", workflowID, err)
	}
	if wf.WorkflowID == "" {
		wf.WorkflowID = workflowID
	}
	return wf, nil
}

// GetJob fetches GET /admin/jobs/{id}.
func (s *HTTPSource) GetJob(ctx context.Context, rctx *model.RequestContext, jobID string) (model.Job, error) {
	var job model.Job
	body, err := s.get(ctx, rctx, OpGetJob, "/admin/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(unwrapData(body), &job); err != nil {
		return job, fmt.Errorf("source: decode job %q: %w", jobID, err)
	}
	if job.JobID == "" {
		job.JobID = jobID
	}
	return job, nil
}

// ListJobs fetches GET /admin/jobs?workflow_id={id}&limit={n}.
func (s *HTTPSource) ListJobs(ctx context.Context, rctx *model.RequestContext, workflowID string, limit int) ([]model.Job, error) {
	query := url.Values{"workflow_id": {workflowID}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	body, err := s.get(ctx, rctx, OpListJobs, "/admin/jobs", query)
	if err != nil {
		return nil, err
	}
	var jobs []model.Job
	if err := decodeList(body, "jobs", &jobs); err != nil {
		return nil, fmt.Errorf("source: decode jobs for %q: %w", workflowID, err)
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	return jobs, nil
}

// ListVersions fetches GET /admin/workflows/{id}/versions.
func (s *HTTPSource) ListVersions(ctx context.Context, rctx *model.RequestContext, workflowID string) ([]model.WorkflowVersionSummary, error) {
	body, err := s.get(ctx, rctx, OpListVersions, "/admin/workflows/"+url.PathEscape(workflowID)+"/versions", nil)
	if err != nil {
		return nil, err
	}
	var versions []model.WorkflowVersionSummary
	if err := decodeList(body, "versions", &versions); err != nil {
		return nil, fmt.Errorf("source: decode versions for %q: %w", workflowID, err)
	}
	if versions == nil {
		versions = []model.WorkflowVersionSummary{}
	}
	return versions, nil
}

// GetVersion fetches GET /admin/workflows/{id}/versions/{version}.
func (s *HTTPSource) GetVersion(ctx context.Context, rctx *model.RequestContext, workflowID string, version int) (model.WorkflowVersion, error) {
	var v model.WorkflowVersion
	path := "/admin/workflows/" + url.PathEscape(workflowID) + "/versions/" + strconv.Itoa(version)
	body, err := s.get(ctx, rctx, OpGetVersion, path, nil)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(unwrapData(body), &v); err != nil {
		return v, fmt.Errorf("source: decode version %d of %q: %w", version, workflowID, err)
	}
	if v.WorkflowID == "" {
		v.WorkflowID = workflowID
	}
	if v.Version == 0 {
		v.Version = version
	}
	if v.StepCount == 0 {
		v.StepCount = len(v.Steps)
	}
	return v, nil
}

// HealthCheck fails while the circuit breaker is open.
func (s *HTTPSource) HealthCheck(context.Context) error {
	if s.breaker.State() == BreakerOpen {
		return fmt.Errorf("source: %w", ErrCircuitOpen)
	}
	return nil
}

// Breaker exposes the circuit breaker for diagnostics.
func (s *HTTPSource) Breaker() *CircuitBreaker {
	return s.breaker
}

// attempt is the outcome of one HTTP round trip.
type attempt struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

// get issues a GET with retries and maps the final response onto an error
// envelope.
func (s *HTTPSource) get(ctx context.Context, rctx *model.RequestContext, op, path string, query url.Values) ([]byte, error) {
	ctx, span := observability.StartSpan(ctx, "source."+op,
		observability.AttrSource.String(httpSourceName),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	reqURL := s.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	res, err := s.executeWithRetry(ctx, rctx, op, reqURL)
	if err != nil {
		spanErr = err
		return nil, err
	}
	if err := errorForStatus(res.status, path); err != nil {
		spanErr = err
		return nil, err
	}
	return res.body, nil
}

func (s *HTTPSource) executeWithRetry(ctx context.Context, rctx *model.RequestContext, op, reqURL string) (attempt, error) {
	maxAttempts := s.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last attempt
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			delay := calculateBackoff(s.cfg.Retry, i)
			if last.retryAfter > delay {
				delay = min(last.retryAfter, maxRetryAfter)
			}
			s.recorder.RecordUpstreamRetry(httpSourceName)
			s.logger.Debug("source: retrying request",
				zap.String("operation", op),
				zap.Int("attempt", i+1),
				zap.Int("max", maxAttempts),
				zap.Duration("delay", delay),
				zap.Int("last_status", last.status),
				zap.Error(lastErr),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt{}, contextError(ctx)
			case <-timer.C:
			}
		}

		res, err := s.executeOnce(ctx, rctx, op, reqURL)
		if err != nil {
			if !isRetryableError(err) {
				return attempt{}, err
			}
			last, lastErr = attempt{}, err
			continue
		}
		if isRetryableStatus(res.status) && i < maxAttempts-1 {
			last, lastErr = res, nil
			continue
		}
		return res, nil
	}

	if lastErr != nil {
		return attempt{}, lastErr
	}
	return last, nil
}

func (s *HTTPSource) executeOnce(ctx context.Context, rctx *model.RequestContext, op, reqURL string) (attempt, error) {
	if err := s.breaker.Allow(); err != nil {
		return attempt{}, model.NewBackendUnavailableError()
	}
	defer s.recorder.SetCircuitBreakerState(httpSourceName, s.breaker.State().Gauge())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return attempt{}, fmt.Errorf("source: build request: %w", err)
	}
	s.setHeaders(ctx, req.Header, rctx)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.recorder.RecordUpstreamRequest(httpSourceName, op, 0, time.Since(start))
		if ctx.Err() != nil {
			return attempt{}, contextError(ctx)
		}
		s.breaker.RecordFailure()
		if isTimeout(err) {
			return attempt{}, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return attempt{}, &retryableError{model.NewBackendUnavailableError()}
		}
		return attempt{}, fmt.Errorf("source: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	s.recorder.RecordUpstreamRequest(httpSourceName, op, resp.StatusCode, time.Since(start))
	if err != nil {
		s.breaker.RecordFailure()
		return attempt{}, fmt.Errorf("source: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		s.breaker.RecordFailure()
	} else {
		s.breaker.RecordSuccess()
	}

	return attempt{
		status:     resp.StatusCode,
		body:       body,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}, nil
}

func (s *HTTPSource) setHeaders(ctx context.Context, h http.Header, rctx *model.RequestContext) {
	h.Set("Accept", "application/json")
	if rctx != nil {
		if s.cfg.ForwardToken && rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.TenantID != "" {
			h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.SubjectID != "" {
			h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		}
	}
	observability.InjectTraceHeaders(ctx, h)
}

// retryableError marks failures that may succeed on another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// errorForStatus maps a final upstream status onto an error envelope.
func errorForStatus(status int, path string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return model.NewNotFoundError(fmt.Sprintf("%s not found", path))
	case status == http.StatusUnauthorized:
		return model.NewUnauthorizedError("The lead-magnet backend rejected the credentials")
	case status == http.StatusForbidden:
		return model.NewForbiddenError("Access to this record is not permitted")
	case status == http.StatusTooManyRequests:
		return model.NewRateLimitedError()
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case status >= 500:
		return model.NewBackendUnavailableError()
	default:
		return fmt.Errorf("source: unexpected status %d from %s", status, path)
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.NewBackendTimeoutError()
	}
	return ctx.Err()
}

// unwrapData returns the payload of a {"data": ...} envelope, or body as is.
func unwrapData(body []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		return env.Data
	}
	return body
}

// decodeList decodes a bare array, an object holding the array under key,
// or either of those inside a data envelope. A missing array leaves out
// untouched.
func decodeList(body []byte, key string, out any) error {
	payload := bytes.TrimSpace(unwrapData(body))
	if len(payload) == 0 {
		return nil
	}
	if payload[0] != '[' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return err
		}
		payload = obj[key]
		if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
			return nil
		}
	}
	return json.Unmarshal(payload, out)
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isConnectionError reports failures to reach the backend, including a
// connection closed before any response arrived.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable values yield zero.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
