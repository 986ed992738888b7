package model

// MergedStep is the reconciled view of one step: authoring fields from the
// current workflow definition joined with runtime fields from the execution
// record for the same order.
type MergedStep struct {
	StepOrder       int          `json:"step_order"`
	StepType        string       `json:"step_type"`
	StepName        string       `json:"step_name"`
	StepDescription string       `json:"step_description,omitempty"`
	Model           string       `json:"model,omitempty"`
	Tools           []ToolConfig `json:"tools"`
	ToolChoice      string       `json:"tool_choice,omitempty"`
	Instructions    string       `json:"instructions,omitempty"`
	ServiceTier     string       `json:"service_tier,omitempty"`
	ReasoningEffort string       `json:"reasoning_effort,omitempty"`

	Input       *StepInput     `json:"input,omitempty"`
	Output      any            `json:"output"`
	Error       string         `json:"error,omitempty"`
	Success     *bool          `json:"success,omitempty"`
	StartedAt   Timestamp      `json:"started_at,omitzero"`
	CompletedAt Timestamp      `json:"completed_at,omitzero"`
	DurationMs  *float64       `json:"duration_ms,omitempty"`
	UsageInfo   map[string]any `json:"usage_info,omitempty"`
	ArtifactID  string         `json:"artifact_id,omitempty"`
	ImageURLs   []string       `json:"image_urls,omitempty"`

	Status           string              `json:"_status"`
	DependsOn        []int               `json:"depends_on,omitempty"`
	DependencyLabels DependencyLabels    `json:"dependency_labels,omitempty"`
	Dependencies     []DependencyPreview `json:"dependencies,omitempty"`
	Children         []MergedStep        `json:"children,omitempty"`
	IsSystemStep     bool                `json:"is_system_step"`
}

// DependencyPreview links a step to the output of a step it depends on.
// Index is the zero-based position in the workflow definition.
type DependencyPreview struct {
	Index     int    `json:"index"`
	StepOrder int    `json:"step_order"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	Output    any    `json:"output"`
}

// VersionBucket groups the jobs attributed to one workflow version.
type VersionBucket struct {
	WorkflowVersionSummary
	Jobs []Job `json:"jobs"`
}

// JobView is the job detail payload rendered by the dashboard.
type JobView struct {
	Job             Job          `json:"job"`
	WorkflowName    string       `json:"workflow_name,omitempty"`
	WorkflowVersion int          `json:"workflow_version,omitempty"`
	Steps           []MergedStep `json:"steps"`

	// Fallback is set when no workflow definition was available and the
	// steps were derived from execution records alone.
	Fallback bool `json:"fallback"`
}
