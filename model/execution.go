package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Execution record step types. StepTypeAIGeneration is the legacy name for
// StepTypeWorkflow and is rewritten before reconciliation.
const (
	StepTypeWorkflow       = "workflow_step"
	StepTypeAIGeneration   = "ai_generation"
	StepTypeFormSubmission = "form_submission"
	StepTypeHTMLGeneration = "html_generation"
	StepTypeFinalOutput    = "final_output"
)

// IsSystemStepType reports whether a step type denotes a step that has no
// authored counterpart in the workflow definition.
func IsSystemStepType(stepType string) bool {
	switch stepType {
	case StepTypeFormSubmission, StepTypeHTMLGeneration, StepTypeFinalOutput:
		return true
	}
	return false
}

// ExecutionRecord is runtime evidence of one step run as reported by the
// job backend. Several records may share a StepOrder across retries.
//
// StepOrder is 1-based for workflow steps; 0 and orders beyond the workflow
// length belong to system steps.
type ExecutionRecord struct {
	StepOrder   int               `json:"step_order"`
	StepType    string            `json:"step_type,omitempty"`
	StepName    string            `json:"step_name,omitempty"`
	Model       string            `json:"model,omitempty"`
	Input       *StepInput        `json:"input,omitempty"`
	Output      any               `json:"output"`
	Error       string            `json:"error,omitempty"`
	Success     *bool             `json:"success,omitempty"`
	StartedAt   Timestamp         `json:"started_at,omitzero"`
	CompletedAt Timestamp         `json:"completed_at,omitzero"`
	DurationMs  *float64          `json:"duration_ms,omitempty"`
	UsageInfo   map[string]any    `json:"usage_info,omitempty"`
	ArtifactID  string            `json:"artifact_id,omitempty"`
	ImageURLs   []string          `json:"image_urls,omitempty"`
	Children    []ExecutionRecord `json:"children,omitempty"`

	// Legacy record shapes. They are folded into the fields above by the
	// reconciliation compatibility pass.
	Timestamp  Timestamp    `json:"timestamp,omitzero"`
	Tools      []ToolConfig `json:"tools,omitempty"`
	ToolChoice string       `json:"tool_choice,omitempty"`
}

// StepInput is the execution-time snapshot of a step's settings.
type StepInput struct {
	Tools        []ToolConfig `json:"tools,omitempty"`
	ToolChoice   string       `json:"tool_choice,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Input        any          `json:"input,omitempty"`
}

// rawExecutionRecord mirrors ExecutionRecord with loosely typed fields for
// values whose wire type drifted between backend versions.
type rawExecutionRecord struct {
	StepOrder   json.RawMessage   `json:"step_order"`
	StepType    json.RawMessage   `json:"step_type"`
	StepName    json.RawMessage   `json:"step_name"`
	Model       json.RawMessage   `json:"model"`
	Input       json.RawMessage   `json:"input"`
	Output      any               `json:"output"`
	Error       json.RawMessage   `json:"error"`
	Success     json.RawMessage   `json:"success"`
	StartedAt   Timestamp         `json:"started_at"`
	CompletedAt Timestamp         `json:"completed_at"`
	DurationMs  json.RawMessage   `json:"duration_ms"`
	UsageInfo   json.RawMessage   `json:"usage_info"`
	ArtifactID  json.RawMessage   `json:"artifact_id"`
	ImageURLs   json.RawMessage   `json:"image_urls"`
	Children    json.RawMessage   `json:"children"`
	Timestamp   Timestamp         `json:"timestamp"`
	Tools       json.RawMessage   `json:"tools"`
	ToolChoice  json.RawMessage   `json:"tool_choice"`
}

// UnmarshalJSON decodes a record, coercing malformed values to safe
// defaults instead of failing the whole job payload.
func (r *ExecutionRecord) UnmarshalJSON(data []byte) error {
	var raw rawExecutionRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	rec := ExecutionRecord{
		StepOrder:   looseInt(raw.StepOrder),
		StepType:    looseText(raw.StepType),
		StepName:    looseText(raw.StepName),
		Model:       looseText(raw.Model),
		Input:       looseInput(raw.Input),
		Output:      raw.Output,
		Error:       looseText(raw.Error),
		Success:     looseBool(raw.Success),
		StartedAt:   raw.StartedAt,
		CompletedAt: raw.CompletedAt,
		DurationMs:  looseFloat(raw.DurationMs),
		UsageInfo:   looseObject(raw.UsageInfo),
		ArtifactID:  looseText(raw.ArtifactID),
		ImageURLs:   looseStrings(raw.ImageURLs),
		Timestamp:   raw.Timestamp,
		Tools:       looseTools(raw.Tools),
		ToolChoice:  looseText(raw.ToolChoice),
	}
	var children []json.RawMessage
	if !isNull(raw.Children) {
		// A non-array children value is dropped with the rest of its shape.
		_ = json.Unmarshal(raw.Children, &children)
	}
	for _, childData := range children {
		var child ExecutionRecord
		if err := json.Unmarshal(childData, &child); err != nil {
			continue
		}
		rec.Children = append(rec.Children, child)
	}

	*r = rec
	return nil
}

func isNull(data json.RawMessage) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || string(data) == "null"
}

func looseInt(data json.RawMessage) int {
	if isNull(data) {
		return 0
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		return int(f)
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return int(n)
		}
	}
	return 0
}

func looseFloat(data json.RawMessage) *float64 {
	if isNull(data) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &n
		}
	}
	return nil
}

// looseBool keeps the tri-state: absent and unrecognised values are nil.
func looseBool(data json.RawMessage) *bool {
	if isNull(data) {
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		return &b
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return &parsed
		}
	}
	return nil
}

// looseText returns strings as-is and any other non-null JSON value as its
// compact encoding, so structured error objects are not lost.
func looseText(data json.RawMessage) string {
	if isNull(data) {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return ""
	}
	if buf.String() == "false" {
		return ""
	}
	return buf.String()
}

// looseObject drops anything that is not a JSON object.
func looseObject(data json.RawMessage) map[string]any {
	if isNull(data) {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func looseStrings(data json.RawMessage) []string {
	if isNull(data) {
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil && strings.TrimSpace(single) != "" {
		return []string{single}
	}
	return nil
}

func looseTools(data json.RawMessage) []ToolConfig {
	if isNull(data) {
		return nil
	}
	var tools []ToolConfig
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil
	}
	return tools
}

func looseInput(data json.RawMessage) *StepInput {
	if isNull(data) {
		return nil
	}
	var in StepInput
	if err := json.Unmarshal(data, &in); err == nil {
		return &in
	}
	// Older records stored the raw prompt input directly.
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return &StepInput{Input: v}
	}
	return nil
}
