package source

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/observability"
	"github.com/pitabwire/leadboard/model"
)

const pgSourceName = "postgres"

// Schema is the DDL of the tables PgSource reads.
//
//go:embed schema.sql
var Schema string

// OpenPool creates a pgx pool for dsn and verifies it with a ping.
func OpenPool(ctx context.Context, dsn string, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("source: parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("source: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("source: ping postgres: %w", err)
	}
	return pool, nil
}

// PgSource reads records straight from the lead-magnet database. Every
// query is scoped to the caller's tenant.
type PgSource struct {
	pool     *pgxpool.Pool
	recorder Recorder
	logger   *zap.Logger
}

// NewPgSource creates a Postgres-backed source.
func NewPgSource(pool *pgxpool.Pool, opts ...Option) *PgSource {
	o := buildOptions(opts)
	return &PgSource{pool: pool, recorder: o.recorder, logger: o.logger}
}

func (s *PgSource) GetWorkflow(ctx context.Context, rctx *model.RequestContext, workflowID string) (wf model.Workflow, err error) {
	ctx, done := s.track(ctx, OpGetWorkflow)
	defer func() { done(err) }()

	var stepsJSON []byte
	var createdAt time.Time
	var updatedAt *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT workflow_id, workflow_name, workflow_description, status,
		       version, steps, created_at, updated_at
		FROM workflows
		WHERE tenant_id = $1 AND workflow_id = $2`,
		tenantOf(rctx), workflowID,
	).Scan(
		&wf.WorkflowID, &wf.WorkflowName, &wf.Description, &wf.Status,
		&wf.Version, &stepsJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("source: query workflow: %w", err)
	}

	if wf.Steps, err = decodeSteps(stepsJSON); err != nil {
		return model.Workflow{}, fmt.Errorf("source: workflow %q steps: %w", workflowID, err)
	}
	wf.CreatedAt = model.NewTimestamp(createdAt)
	wf.UpdatedAt = optionalTimestamp(updatedAt)
	return wf, nil
}

const jobColumns = `job_id, workflow_id, submission_id, status, error_message,
		       output_url, created_at, updated_at, completed_at`

func (s *PgSource) GetJob(ctx context.Context, rctx *model.RequestContext, jobID string) (job model.Job, err error) {
	ctx, done := s.track(ctx, OpGetJob)
	defer func() { done(err) }()

	var stepsJSON []byte
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`, execution_steps
		FROM jobs
		WHERE tenant_id = $1 AND job_id = $2`,
		tenantOf(rctx), jobID,
	)
	job, err = scanJob(row, &stepsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, model.NewNotFoundError(fmt.Sprintf("job %q not found", jobID))
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("source: query job: %w", err)
	}

	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &job.ExecutionSteps); err != nil {
			s.logger.Warn("source: undecodable execution steps",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
			job.ExecutionSteps = nil
		}
	}
	return job, nil
}

// ListJobs returns job summaries without execution records.
func (s *PgSource) ListJobs(ctx context.Context, rctx *model.RequestContext, workflowID string, limit int) (jobs []model.Job, err error) {
	ctx, done := s.track(ctx, OpListJobs)
	defer func() { done(err) }()

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY created_at DESC, job_id`
	args := []any{tenantOf(rctx), workflowID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("source: query jobs: %w", err)
	}
	defer rows.Close()

	jobs = []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("source: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: iterate jobs: %w", err)
	}
	return jobs, nil
}

// ListVersions returns the saved revisions of a workflow, newest first.
func (s *PgSource) ListVersions(ctx context.Context, rctx *model.RequestContext, workflowID string) (versions []model.WorkflowVersionSummary, err error) {
	ctx, done := s.track(ctx, OpListVersions)
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT version, created_at, COALESCE(jsonb_array_length(steps), 0), template_version
		FROM workflow_versions
		WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY version DESC`,
		tenantOf(rctx), workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("source: query versions: %w", err)
	}
	defer rows.Close()

	versions = []model.WorkflowVersionSummary{}
	for rows.Next() {
		var v model.WorkflowVersionSummary
		var createdAt time.Time
		if err := rows.Scan(&v.Version, &createdAt, &v.StepCount, &v.TemplateVersion); err != nil {
			return nil, fmt.Errorf("source: scan version: %w", err)
		}
		v.CreatedAt = model.NewTimestamp(createdAt)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: iterate versions: %w", err)
	}
	return versions, nil
}

func (s *PgSource) GetVersion(ctx context.Context, rctx *model.RequestContext, workflowID string, version int) (v model.WorkflowVersion, err error) {
	ctx, done := s.track(ctx, OpGetVersion)
	defer func() { done(err) }()

	var stepsJSON []byte
	var createdAt time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT workflow_id, version, workflow_name, steps, template_version, created_at
		FROM workflow_versions
		WHERE tenant_id = $1 AND workflow_id = $2 AND version = $3`,
		tenantOf(rctx), workflowID, version,
	).Scan(&v.WorkflowID, &v.Version, &v.WorkflowName, &stepsJSON, &v.TemplateVersion, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowVersion{}, model.NewNotFoundError(
			fmt.Sprintf("version %d of workflow %q not found", version, workflowID),
		)
	}
	if err != nil {
		return model.WorkflowVersion{}, fmt.Errorf("source: query version: %w", err)
	}

	if v.Steps, err = decodeSteps(stepsJSON); err != nil {
		return model.WorkflowVersion{}, fmt.Errorf("source: version %d steps: %w", version, err)
	}
	v.CreatedAt = model.NewTimestamp(createdAt)
	v.StepCount = len(v.Steps)
	return v, nil
}

// HealthCheck pings the pool.
func (s *PgSource) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// track opens a span for one query and returns a func that closes it and
// records the upstream metrics.
func (s *PgSource) track(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := observability.StartSpan(ctx, "source."+op,
		observability.AttrSource.String(pgSourceName),
	)
	start := time.Now()
	return ctx, func(err error) {
		s.recorder.RecordUpstreamRequest(pgSourceName, op, statusOf(err), time.Since(start))
		if model.IsNotFound(err) {
			err = nil
		}
		observability.EndSpanWithError(span, err)
	}
}

// scanJob scans jobColumns, plus execution_steps into stepsJSON when it is
// non-nil.
func scanJob(row pgx.Row, stepsJSON *[]byte) (model.Job, error) {
	var job model.Job
	var createdAt time.Time
	var updatedAt, completedAt *time.Time
	dest := []any{
		&job.JobID, &job.WorkflowID, &job.SubmissionID, &job.Status, &job.ErrorMessage,
		&job.OutputURL, &createdAt, &updatedAt, &completedAt,
	}
	if stepsJSON != nil {
		dest = append(dest, stepsJSON)
	}
	if err := row.Scan(dest...); err != nil {
		return model.Job{}, err
	}
	job.CreatedAt = model.NewTimestamp(createdAt)
	job.UpdatedAt = optionalTimestamp(updatedAt)
	job.CompletedAt = optionalTimestamp(completedAt)
	return job, nil
}

func decodeSteps(data []byte) ([]model.WorkflowStepSpec, error) {
	steps := []model.WorkflowStepSpec{}
	if len(data) == 0 {
		return steps, nil
	}
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func optionalTimestamp(t *time.Time) model.Timestamp {
	if t == nil {
		return model.Timestamp{}
	}
	return model.NewTimestamp(*t)
}
