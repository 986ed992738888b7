package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/leadboard/internal/observability"
	"github.com/pitabwire/leadboard/internal/source"
	"github.com/pitabwire/leadboard/model"
)

// Snapshot kinds, used as cache key prefixes and metric labels.
const (
	KindWorkflow = "workflow"
	KindVersions = "versions"
	KindVersion  = "version"
	KindJob      = "job"
	KindJobs     = "jobs"
)

// Recorder receives cache measurements. observability.Metrics implements it.
type Recorder interface {
	RecordCacheHit(kind string)
	RecordCacheMiss(kind string)
	RecordCacheError(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(string)   {}
func (nopRecorder) RecordCacheMiss(string)  {}
func (nopRecorder) RecordCacheError(string) {}

// Options configures a CachedSource.
type Options struct {
	// TTL applies to workflows and version lists.
	TTL time.Duration
	// JobTTL applies to terminal jobs and saved versions, neither of which
	// change once written.
	JobTTL time.Duration
	// PerSubject adds the caller's subject to every key. Set it when the
	// wrapped source fetches with the caller's own credentials.
	PerSubject bool
	Recorder   Recorder
	Logger     *zap.Logger
}

// CachedSource wraps a source.Source with a snapshot Store. Jobs are cached
// only once terminal, and job lists are never cached. Concurrent identical
// fetches share one upstream call.
type CachedSource struct {
	next     source.Source
	store    Store
	ttl      time.Duration
	jobTTL     time.Duration
	perSubject bool
	recorder   Recorder
	logger   *zap.Logger
	group    singleflight.Group
}

// NewCachedSource wraps next with store.
func NewCachedSource(next source.Source, store Store, opts Options) *CachedSource {
	c := &CachedSource{
		next:       next,
		store:      store,
		ttl:        opts.TTL,
		jobTTL:     opts.JobTTL,
		perSubject: opts.PerSubject,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *CachedSource) GetWorkflow(ctx context.Context, rctx *model.RequestContext, workflowID string) (model.Workflow, error) {
	return load(ctx, c, KindWorkflow, c.key(KindWorkflow, rctx, workflowID), c.ttl,
		func(ctx context.Context) (model.Workflow, error) {
			return c.next.GetWorkflow(ctx, rctx, workflowID)
		}, nil)
}

func (c *CachedSource) GetJob(ctx context.Context, rctx *model.RequestContext, jobID string) (model.Job, error) {
	return load(ctx, c, KindJob, c.key(KindJob, rctx, jobID), c.jobTTL,
		func(ctx context.Context) (model.Job, error) {
			return c.next.GetJob(ctx, rctx, jobID)
		},
		func(job model.Job) bool { return model.IsJobTerminal(job.Status) })
}

func (c *CachedSource) ListJobs(ctx context.Context, rctx *model.RequestContext, workflowID string, limit int) ([]model.Job, error) {
	k := c.key(KindJobs, rctx, workflowID, strconv.Itoa(limit))
	return shared(ctx, c, k, func(ctx context.Context) ([]model.Job, error) {
		return c.next.ListJobs(ctx, rctx, workflowID, limit)
	})
}

func (c *CachedSource) ListVersions(ctx context.Context, rctx *model.RequestContext, workflowID string) ([]model.WorkflowVersionSummary, error) {
	return load(ctx, c, KindVersions, c.key(KindVersions, rctx, workflowID), c.ttl,
		func(ctx context.Context) ([]model.WorkflowVersionSummary, error) {
			return c.next.ListVersions(ctx, rctx, workflowID)
		}, nil)
}

func (c *CachedSource) GetVersion(ctx context.Context, rctx *model.RequestContext, workflowID string, version int) (model.WorkflowVersion, error) {
	return load(ctx, c, KindVersion, c.key(KindVersion, rctx, workflowID, strconv.Itoa(version)), c.jobTTL,
		func(ctx context.Context) (model.WorkflowVersion, error) {
			return c.next.GetVersion(ctx, rctx, workflowID, version)
		}, nil)
}

// HealthCheck reports the health of the wrapped source.
func (c *CachedSource) HealthCheck(ctx context.Context) error {
	return c.next.HealthCheck(ctx)
}

// load serves key from the store, or fetches it through singleflight and
// stores the result when cacheable accepts it. A nil cacheable accepts
// every successful fetch. Store failures degrade to uncached reads.
func load[T any](
	ctx context.Context,
	c *CachedSource,
	kind, k string,
	ttl time.Duration,
	fetch func(context.Context) (T, error),
	cacheable func(T) bool,
) (T, error) {
	span := trace.SpanFromContext(ctx)
	if ttl > 0 {
		if v, ok := c.lookup(ctx, kind, k); ok {
			var out T
			if err := json.Unmarshal(v, &out); err == nil {
				c.recorder.RecordCacheHit(kind)
				span.SetAttributes(observability.AttrCacheHit.Bool(true))
				return out, nil
			}
			c.recorder.RecordCacheError(kind)
		}
		c.recorder.RecordCacheMiss(kind)
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	out, err := shared(ctx, c, k, fetch)
	if err != nil {
		return out, err
	}
	if ttl > 0 && (cacheable == nil || cacheable(out)) {
		c.save(ctx, kind, k, out, ttl)
	}
	return out, nil
}

// shared runs fetch once per key across concurrent callers. The fetch keeps
// the first caller's values but not its cancellation, so one caller going
// away does not fail the others.
func shared[T any](ctx context.Context, c *CachedSource, k string, fetch func(context.Context) (T, error)) (T, error) {
	ch := c.group.DoChan(k, func() (any, error) {
		return fetch(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (c *CachedSource) lookup(ctx context.Context, kind, k string) ([]byte, bool) {
	v, found, err := c.store.Get(ctx, k)
	if err != nil {
		c.recorder.RecordCacheError(kind)
		c.logger.Warn("cache: read failed", zap.String("key", k), zap.Error(err))
		return nil, false
	}
	return v, found
}

func (c *CachedSource) save(ctx context.Context, kind, k string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err == nil {
		err = c.store.Set(ctx, k, data, ttl)
	}
	if err != nil {
		c.recorder.RecordCacheError(kind)
		c.logger.Warn("cache: write failed", zap.String("key", k), zap.Error(err))
	}
}

// key builds a tenant-scoped cache key, narrowed to the subject when
// perSubject is set.
func (c *CachedSource) key(kind string, rctx *model.RequestContext, parts ...string) string {
	scope := ""
	if rctx != nil {
		scope = rctx.TenantID
		if c.perSubject {
			scope += "/" + rctx.SubjectID
		}
	}
	k := fmt.Sprintf("%s:%s", kind, scope)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
