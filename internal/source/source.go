// Package source reads the workflow, job and version records the dashboard
// reconciles. Records come from the lead-magnet REST API, directly from its
// Postgres database, or from in-memory fixtures.
package source

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/leadboard/model"
)

// Operation names used in logs, spans and upstream metrics.
const (
	OpGetWorkflow  = "get_workflow"
	OpGetJob       = "get_job"
	OpListJobs     = "list_jobs"
	OpListVersions = "list_versions"
	OpGetVersion   = "get_version"
)

// Source returns snapshots of upstream records. Every method may be called
// concurrently. Missing records are reported with a NOT_FOUND envelope.
type Source interface {
	GetWorkflow(ctx context.Context, rctx *model.RequestContext, workflowID string) (model.Workflow, error)
	GetJob(ctx context.Context, rctx *model.RequestContext, jobID string) (model.Job, error)
	// ListJobs returns the workflow's jobs, newest first. A limit of zero or
	// less returns every job.
	ListJobs(ctx context.Context, rctx *model.RequestContext, workflowID string, limit int) ([]model.Job, error)
	ListVersions(ctx context.Context, rctx *model.RequestContext, workflowID string) ([]model.WorkflowVersionSummary, error)
	GetVersion(ctx context.Context, rctx *model.RequestContext, workflowID string, version int) (model.WorkflowVersion, error)
	HealthCheck(ctx context.Context) error
}

// Recorder receives upstream call measurements. observability.Metrics
// implements it.
type Recorder interface {
	RecordUpstreamRequest(source, operation string, status int, duration time.Duration)
	RecordUpstreamRetry(source string)
	SetCircuitBreakerState(source string, state float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordUpstreamRequest(string, string, int, time.Duration) {}
func (nopRecorder) RecordUpstreamRetry(string)                               {}
func (nopRecorder) SetCircuitBreakerState(string, float64)                   {}

type options struct {
	recorder Recorder
	logger   *zap.Logger
	client   *http.Client
}

// Option configures a Source implementation.
type Option func(*options)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHTTPClient replaces the HTTP client used by HTTPSource.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{recorder: nopRecorder{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func tenantOf(rctx *model.RequestContext) string {
	if rctx == nil {
		return ""
	}
	return rctx.TenantID
}

// statusOf maps a call outcome onto the status label of upstream metrics for
// sources that do not speak HTTP.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case model.IsNotFound(err):
		return http.StatusNotFound
	default:
		return 0
	}
}
