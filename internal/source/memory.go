package source

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/leadboard/model"
)

// Fixtures is the document loaded by MemorySource. Versions are keyed by
// workflow ID.
type Fixtures struct {
	Workflows []model.Workflow                   `json:"workflows"`
	Versions  map[string][]model.WorkflowVersion `json:"versions"`
	Jobs      []model.Job                        `json:"jobs"`
}

// MemorySource serves records held in memory. It backs local development
// and tests, and ignores tenant scoping.
type MemorySource struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow
	versions  map[string]map[int]model.WorkflowVersion
	jobs      map[string]model.Job
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		workflows: make(map[string]model.Workflow),
		versions:  make(map[string]map[int]model.WorkflowVersion),
		jobs:      make(map[string]model.Job),
	}
}

// LoadFixtures reads a YAML or JSON fixtures file into a new MemorySource.
func LoadFixtures(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read fixtures %s: %w", path, err)
	}
	fx, err := ParseFixtures(data)
	if err != nil {
		return nil, fmt.Errorf("source: fixtures %s: %w", path, err)
	}
	s := NewMemorySource()
	s.Load(fx)
	return s, nil
}

// ParseFixtures decodes a fixtures document. YAML is converted to JSON first
// so records go through the same lenient decoders as API responses.
func ParseFixtures(data []byte) (Fixtures, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Fixtures{}, fmt.Errorf("parse yaml: %w", err)
	}
	encoded, err := json.Marshal(jsonCompatible(raw))
	if err != nil {
		return Fixtures{}, fmt.Errorf("convert to json: %w", err)
	}
	var fx Fixtures
	if err := json.Unmarshal(encoded, &fx); err != nil {
		return Fixtures{}, fmt.Errorf("decode records: %w", err)
	}
	return fx, nil
}

// jsonCompatible rewrites maps with non-string keys, which YAML allows and
// JSON does not.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonCompatible(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonCompatible(val)
		}
		return t
	default:
		return v
	}
}

// Load adds every record in fx, replacing records with the same ID.
func (s *MemorySource) Load(fx Fixtures) {
	for _, wf := range fx.Workflows {
		s.PutWorkflow(wf)
	}
	for workflowID, versions := range fx.Versions {
		for _, v := range versions {
			if v.WorkflowID == "" {
				v.WorkflowID = workflowID
			}
			s.PutVersion(v)
		}
	}
	for _, job := range fx.Jobs {
		s.PutJob(job)
	}
}

// PutWorkflow stores or replaces a workflow.
func (s *MemorySource) PutWorkflow(wf model.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.WorkflowID] = wf
}

// PutVersion stores or replaces one saved revision of a workflow.
func (s *MemorySource) PutVersion(v model.WorkflowVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.StepCount == 0 {
		v.StepCount = len(v.Steps)
	}
	byVersion, ok := s.versions[v.WorkflowID]
	if !ok {
		byVersion = make(map[int]model.WorkflowVersion)
		s.versions[v.WorkflowID] = byVersion
	}
	byVersion[v.Version] = v
}

// PutJob stores or replaces a job.
func (s *MemorySource) PutJob(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job
}

func (s *MemorySource) GetWorkflow(_ context.Context, _ *model.RequestContext, workflowID string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return wf, nil
}

func (s *MemorySource) GetJob(_ context.Context, _ *model.RequestContext, jobID string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, model.NewNotFoundError(fmt.Sprintf("job %q not found", jobID))
	}
	return job, nil
}

func (s *MemorySource) ListJobs(_ context.Context, _ *model.RequestContext, workflowID string, limit int) ([]model.Job, error) {
	s.mu.RLock()
	jobs := []model.Job{}
	for _, job := range s.jobs {
		if job.WorkflowID == workflowID {
			jobs = append(jobs, job)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b model.Job) int {
		if c := b.CreatedAt.Instant().Compare(a.CreatedAt.Instant()); c != 0 {
			return c
		}
		return cmp.Compare(a.JobID, b.JobID)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListVersions returns the stored revisions, newest first. A workflow with
// no stored revisions reports its current version alone.
func (s *MemorySource) ListVersions(_ context.Context, _ *model.RequestContext, workflowID string) ([]model.WorkflowVersionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, hasWorkflow := s.workflows[workflowID]
	stored := s.versions[workflowID]
	if !hasWorkflow && len(stored) == 0 {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}

	out := make([]model.WorkflowVersionSummary, 0, len(stored)+1)
	for _, v := range stored {
		out = append(out, v.WorkflowVersionSummary)
	}
	if hasWorkflow && len(stored) == 0 {
		out = append(out, currentVersion(wf).WorkflowVersionSummary)
	}
	slices.SortFunc(out, func(a, b model.WorkflowVersionSummary) int {
		return cmp.Compare(b.Version, a.Version)
	})
	return out, nil
}

func (s *MemorySource) GetVersion(_ context.Context, _ *model.RequestContext, workflowID string, version int) (model.WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.versions[workflowID][version]; ok {
		return v, nil
	}
	if wf, ok := s.workflows[workflowID]; ok && wf.Version == version {
		return currentVersion(wf), nil
	}
	return model.WorkflowVersion{}, model.NewNotFoundError(
		fmt.Sprintf("version %d of workflow %q not found", version, workflowID),
	)
}

// HealthCheck always succeeds.
func (s *MemorySource) HealthCheck(context.Context) error {
	return nil
}

func currentVersion(wf model.Workflow) model.WorkflowVersion {
	created := wf.UpdatedAt
	if !created.Present() {
		created = wf.CreatedAt
	}
	return model.WorkflowVersion{
		WorkflowVersionSummary: model.WorkflowVersionSummary{
			Version:   wf.Version,
			CreatedAt: created,
			StepCount: len(wf.Steps),
		},
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Steps:        wf.Steps,
	}
}
