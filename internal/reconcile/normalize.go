package reconcile

import (
	"slices"
	"strings"

	"github.com/pitabwire/leadboard/model"
)

// Normalize rewrites legacy execution record shapes into the current one.
// workflowLen is the number of steps in the workflow definition and is used
// to infer the type of untyped records. The input slice is not modified.
//
// Rewrites applied:
//   - ai_generation becomes workflow_step
//   - html_assembly becomes html_generation
//   - an empty step_type is inferred from the order: form_submission for
//     order 0, final_output beyond the workflow length, workflow_step otherwise
//   - top-level tools and tool_choice are lifted into input
func Normalize(records []model.ExecutionRecord, workflowLen int) []model.ExecutionRecord {
	if len(records) == 0 {
		return nil
	}
	out := make([]model.ExecutionRecord, len(records))
	for i, rec := range records {
		out[i] = normalizeRecord(rec, workflowLen, true)
	}
	return out
}

func normalizeRecord(rec model.ExecutionRecord, workflowLen int, topLevel bool) model.ExecutionRecord {
	rec.StepType = normalizeStepType(rec.StepType, rec.StepOrder, workflowLen, topLevel)

	if len(rec.Tools) > 0 || rec.ToolChoice != "" {
		in := model.StepInput{}
		if rec.Input != nil {
			in = *rec.Input
		}
		if in.Tools == nil && len(rec.Tools) > 0 {
			in.Tools = slices.Clone(rec.Tools)
		}
		if in.ToolChoice == "" {
			in.ToolChoice = rec.ToolChoice
		}
		rec.Input = &in
		rec.Tools = nil
		rec.ToolChoice = ""
	}

	if len(rec.Children) > 0 {
		children := make([]model.ExecutionRecord, len(rec.Children))
		for i, child := range rec.Children {
			children[i] = normalizeRecord(child, workflowLen, false)
		}
		rec.Children = children
	}
	return rec
}

func normalizeStepType(stepType string, order, workflowLen int, topLevel bool) string {
	switch st := strings.ToLower(strings.TrimSpace(stepType)); st {
	case model.StepTypeAIGeneration:
		return model.StepTypeWorkflow
	case "html_assembly":
		return model.StepTypeHTMLGeneration
	case "":
		// Child orders are local to their parent and say nothing about
		// system steps.
		if !topLevel {
			return model.StepTypeWorkflow
		}
		switch {
		case order <= 0:
			return model.StepTypeFormSubmission
		case workflowLen > 0 && order > workflowLen:
			return model.StepTypeFinalOutput
		}
		return model.StepTypeWorkflow
	default:
		return st
	}
}
