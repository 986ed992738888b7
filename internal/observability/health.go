package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states reported by HandleReady.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body, one CheckResult per dependency.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by record sources and cache stores.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks names the dependencies behind GET /ui/ready. The record
// source is required. The snapshot cache is optional: reads fall through to
// the source when it fails, so a failing cache only degrades readiness.
type ReadinessChecks struct {
	Source HealthChecker
	Cache  HealthChecker
}

var errNoSource = errors.New("no record source configured")

const checkTimeout = 2 * time.Second

// HandleHealth reports liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady checks every configured dependency concurrently. It answers
// 503 when the record source is missing or failing, and 200 otherwise.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var source, cache CheckResult

		g, ctx := errgroup.WithContext(r.Context())
		if checks.Source != nil {
			g.Go(func() error { source = runCheck(ctx, checks.Source); return nil })
		} else {
			source = CheckResult{Status: "error", Error: errNoSource.Error()}
		}
		if checks.Cache != nil {
			g.Go(func() error { cache = runCheck(ctx, checks.Cache); return nil })
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: StatusReady, Checks: map[string]CheckResult{"source": source}}
		if checks.Cache != nil {
			resp.Checks["cache"] = cache
			if cache.Status != "ok" {
				resp.Status = StatusDegraded
			}
		}

		code := http.StatusOK
		if source.Status != "ok" {
			resp.Status, code = StatusNotReady, http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, resp)
	}
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// runCheck bounds one check by checkTimeout and times it.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}
