package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Job status constants.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Merged step status constants.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
)

// IsJobActive reports whether a job has started but not finished. Only an
// active job can have a step that is currently running. Queued jobs count:
// their first step is the one about to run.
func IsJobActive(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case JobStatusPending, "queued", JobStatusProcessing, "running", "in_progress":
		return true
	}
	return false
}

// IsJobTerminal reports whether a job has stopped and its records will not
// change again.
func IsJobTerminal(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsJobSucceeded reports whether a job finished successfully.
func IsJobSucceeded(status string) bool {
	return strings.ToLower(strings.TrimSpace(status)) == JobStatusCompleted
}

// Workflow is a user-authored workflow definition. Version points at the
// current entry of the workflow's version history.
type Workflow struct {
	WorkflowID   string             `json:"workflow_id"`
	WorkflowName string             `json:"workflow_name"`
	Description  string             `json:"workflow_description,omitempty"`
	Status       string             `json:"status,omitempty"`
	Version      int                `json:"version"`
	Steps        []WorkflowStepSpec `json:"steps"`
	CreatedAt    Timestamp          `json:"created_at,omitzero"`
	UpdatedAt    Timestamp          `json:"updated_at,omitzero"`
}

// WorkflowStepSpec is the authoring-time definition of one workflow step.
//
// Tools is tri-state: nil means the definition does not declare tools, while
// a non-nil empty slice explicitly declares that the step uses no tools.
type WorkflowStepSpec struct {
	StepName         string           `json:"step_name"`
	StepDescription  string           `json:"step_description,omitempty"`
	Model            string           `json:"model,omitempty"`
	Tools            []ToolConfig     `json:"tools"`
	ToolChoice       string           `json:"tool_choice,omitempty"`
	Instructions     string           `json:"instructions,omitempty"`
	DependsOn        []int            `json:"depends_on,omitempty"`
	DependencyLabels DependencyLabels `json:"dependency_labels,omitempty"`
	ServiceTier      string           `json:"service_tier,omitempty"`
	ReasoningEffort  string           `json:"reasoning_effort,omitempty"`
}

// ToolConfig configures one tool available to a step. The backend sends
// either a bare tool name or an object with a "type" key and settings.
type ToolConfig struct {
	Type     string
	Settings map[string]any
}

// UnmarshalJSON accepts "web_search" as well as {"type": "web_search", ...}.
func (t *ToolConfig) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*t = ToolConfig{Type: name}
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool config: %w", err)
	}
	typ, _ := obj["type"].(string)
	delete(obj, "type")
	if len(obj) == 0 {
		obj = nil
	}
	*t = ToolConfig{Type: typ, Settings: obj}
	return nil
}

// MarshalJSON always emits the object form.
func (t ToolConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Settings)+1)
	for k, v := range t.Settings {
		out[k] = v
	}
	out["type"] = t.Type
	return json.Marshal(out)
}

// DependencyLabels maps a dependency index to a display label. It decodes
// from an object keyed by index or from an array indexed by position.
type DependencyLabels map[int]string

// UnmarshalJSON implements json.Unmarshaler.
func (l *DependencyLabels) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		labels := make(DependencyLabels, len(list))
		for i, label := range list {
			if label != "" {
				labels[i] = label
			}
		}
		*l = labels
		return nil
	}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("dependency labels: %w", err)
	}
	labels := make(DependencyLabels, len(obj))
	for k, label := range obj {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		labels[idx] = label
	}
	*l = labels
	return nil
}

// MarshalJSON emits the object form with keys in ascending order.
func (l DependencyLabels) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("null"), nil
	}
	keys := make([]int, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		label, err := json.Marshal(l[k])
		if err != nil {
			return nil, err
		}
		b.WriteString(strconv.Quote(strconv.Itoa(k)))
		b.WriteByte(':')
		b.Write(label)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// WorkflowVersionSummary describes one saved revision of a workflow.
// Summaries are append-only; the current version lives on the Workflow.
type WorkflowVersionSummary struct {
	Version         int       `json:"version"`
	CreatedAt       Timestamp `json:"created_at"`
	StepCount       int       `json:"step_count"`
	TemplateVersion *int      `json:"template_version,omitempty"`
}

// WorkflowVersion is the full snapshot of a saved revision, used when
// inspecting historical step instructions.
type WorkflowVersion struct {
	WorkflowVersionSummary
	WorkflowID   string             `json:"workflow_id"`
	WorkflowName string             `json:"workflow_name,omitempty"`
	Steps        []WorkflowStepSpec `json:"steps"`
}

// Job is one run of a workflow.
type Job struct {
	JobID          string            `json:"job_id"`
	WorkflowID     string            `json:"workflow_id"`
	SubmissionID   string            `json:"submission_id,omitempty"`
	Status         string            `json:"status"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	OutputURL      string            `json:"output_url,omitempty"`
	CreatedAt      Timestamp         `json:"created_at"`
	UpdatedAt      Timestamp         `json:"updated_at,omitzero"`
	CompletedAt    Timestamp         `json:"completed_at,omitzero"`
	ExecutionSteps []ExecutionRecord `json:"execution_steps,omitempty"`
}

// Summary returns a copy of the job without its execution records, as
// used in list views.
func (j Job) Summary() Job {
	j.ExecutionSteps = nil
	return j
}
