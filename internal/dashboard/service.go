// Package dashboard assembles the operator views of jobs and workflow
// versions from upstream records.
package dashboard

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/observability"
	"github.com/pitabwire/leadboard/internal/reconcile"
	"github.com/pitabwire/leadboard/internal/source"
	"github.com/pitabwire/leadboard/model"
)

// Service answers dashboard queries. Each call fetches its own snapshot of
// the records and reconciles it once.
type Service struct {
	source     source.Source
	reconciler *reconcile.Reconciler
	limits     config.DashboardConfig
	logger     *zap.Logger
}

// NewService creates a dashboard service. A nil reconciler reports to no
// observer.
func NewService(src source.Source, rec *reconcile.Reconciler, limits config.DashboardConfig, logger *zap.Logger) *Service {
	if rec == nil {
		rec = reconcile.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:     src,
		reconciler: rec,
		limits:     limits,
		logger:     logger,
	}
}

// JobView returns the reconciled steps of one job. When the job's workflow
// no longer exists the steps are derived from the execution records alone.
func (s *Service) JobView(ctx context.Context, rctx *model.RequestContext, jobID string) (view model.JobView, err error) {
	ctx, span := observability.StartSpan(ctx, "dashboard.job_view",
		observability.AttrJobID.String(jobID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	job, err := s.source.GetJob(ctx, rctx, jobID)
	if err != nil {
		return model.JobView{}, err
	}

	var wf model.Workflow
	if job.WorkflowID != "" {
		span.SetAttributes(observability.AttrWorkflowID.String(job.WorkflowID))
		wf, err = s.source.GetWorkflow(ctx, rctx, job.WorkflowID)
		switch {
		case model.IsNotFound(err):
			observability.RequestLogger(ctx, s.logger).Warn("dashboard: workflow missing, reconciling from records",
				observability.JobFields(job)...)
			wf, err = model.Workflow{}, nil
		case err != nil:
			return model.JobView{}, err
		}
	}

	steps := reconcile.AttachDependencies(s.reconciler.Reconcile(wf.Steps, job))
	fallback := len(wf.Steps) == 0
	span.SetAttributes(observability.AttrFallback.Bool(fallback))

	return model.JobView{
		Job:             job.Summary(),
		WorkflowName:    wf.WorkflowName,
		WorkflowVersion: wf.Version,
		Steps:           steps,
		Fallback:        fallback,
	}, nil
}

// Steps returns only the reconciled steps of one job.
func (s *Service) Steps(ctx context.Context, rctx *model.RequestContext, jobID string) ([]model.MergedStep, error) {
	view, err := s.JobView(ctx, rctx, jobID)
	if err != nil {
		return nil, err
	}
	return view.Steps, nil
}

// StepDependencies returns the dependency previews of the step at
// stepOrder. A workflow step wins over a system step sharing its order.
func (s *Service) StepDependencies(ctx context.Context, rctx *model.RequestContext, jobID string, stepOrder int) (deps []model.DependencyPreview, err error) {
	ctx, span := observability.StartSpan(ctx, "dashboard.step_dependencies",
		observability.AttrJobID.String(jobID),
		observability.AttrStepOrder.Int(stepOrder),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	view, err := s.JobView(ctx, rctx, jobID)
	if err != nil {
		return nil, err
	}

	var match *model.MergedStep
	for i := range view.Steps {
		step := &view.Steps[i]
		if step.StepOrder != stepOrder {
			continue
		}
		if match == nil || (match.IsSystemStep && !step.IsSystemStep) {
			match = step
		}
	}
	if match == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("job %q has no step %d", jobID, stepOrder))
	}
	if match.Dependencies == nil {
		return []model.DependencyPreview{}, nil
	}
	return match.Dependencies, nil
}

// VersionHistory groups the workflow's most recent jobs under the version
// each ran against, newest version first. Jobs are returned without their
// execution records.
func (s *Service) VersionHistory(ctx context.Context, rctx *model.RequestContext, workflowID string, jobLimit int) (buckets []model.VersionBucket, err error) {
	ctx, span := observability.StartSpan(ctx, "dashboard.version_history",
		observability.AttrWorkflowID.String(workflowID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	limit := s.JobLimit(jobLimit)

	var (
		versions []model.WorkflowVersionSummary
		jobs     []model.Job
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		versions, err = s.source.ListVersions(gctx, rctx, workflowID)
		return err
	})
	g.Go(func() error {
		var err error
		jobs, err = s.source.ListJobs(gctx, rctx, workflowID, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summaries := make([]model.Job, len(jobs))
	for i, job := range jobs {
		summaries[i] = job.Summary()
	}
	return reconcile.Buckets(versions, summaries), nil
}

// VersionDetail returns one saved revision of a workflow.
func (s *Service) VersionDetail(ctx context.Context, rctx *model.RequestContext, workflowID string, version int) (model.WorkflowVersion, error) {
	ctx, span := observability.StartSpan(ctx, "dashboard.version_detail",
		observability.AttrWorkflowID.String(workflowID),
		observability.AttrVersion.Int(version),
	)
	v, err := s.source.GetVersion(ctx, rctx, workflowID, version)
	observability.EndSpanWithError(span, err)
	return v, err
}

// JobLimit clamps a requested job limit to the configured bounds. Zero or
// less selects the default.
func (s *Service) JobLimit(requested int) int {
	limit := requested
	if limit <= 0 {
		limit = s.limits.DefaultJobLimit
	}
	if s.limits.MaxJobLimit > 0 && limit > s.limits.MaxJobLimit {
		limit = s.limits.MaxJobLimit
	}
	return limit
}
