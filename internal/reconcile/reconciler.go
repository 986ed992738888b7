// Package reconcile merges a workflow definition with the execution records
// of one job into an ordered list of steps with a status each, resolves the
// dependency previews between those steps, and attributes jobs to workflow
// versions.
//
// Everything in this package is pure computation over already-fetched data.
// Malformed or partial input degrades the result but never produces an error.
package reconcile

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/leadboard/model"
)

// Summary describes the outcome of one reconciliation pass.
type Summary struct {
	JobStatus       string
	Steps           int
	Pending         int
	InProgress      int
	Completed       int
	Failed          int
	SystemSteps     int
	DuplicateOrders int
	Fallback        bool
}

// Observer receives a Summary after every reconciliation pass.
// Implementations must not block.
type Observer interface {
	ObserveReconcile(Summary)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Summary)

// ObserveReconcile implements Observer.
func (f ObserverFunc) ObserveReconcile(s Summary) { f(s) }

// observers fans a Summary out in registration order.
type observers []Observer

func (o observers) ObserveReconcile(s Summary) {
	for _, obs := range o {
		obs.ObserveReconcile(s)
	}
}

// Reconciler merges workflow definitions with job execution records.
// It holds no mutable state and is safe for concurrent use.
type Reconciler struct {
	observer observers
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithObserver reports every pass to o. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) {
		if o != nil {
			r.observer = append(r.observer, o)
		}
	}
}

// New creates a Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultReconciler = New()

// Reconcile runs a reconciliation pass without an observer.
func Reconcile(steps []model.WorkflowStepSpec, job model.Job) []model.MergedStep {
	return defaultReconciler.Reconcile(steps, job)
}

// jobState is the job-level context used to decide records that carry no
// evidence of their own.
type jobState struct {
	succeeded bool
	active    bool
}

// Reconcile returns one MergedStep per workflow step plus one per system
// step found in the job's execution records, ordered by step_order.
//
// With an empty definition every record is mapped on its own (fallback
// mode). Otherwise records are matched to workflow steps by order; when an
// order has several records the last one wins.
func (r *Reconciler) Reconcile(steps []model.WorkflowStepSpec, job model.Job) []model.MergedStep {
	state := jobState{
		succeeded: model.IsJobSucceeded(job.Status),
		active:    model.IsJobActive(job.Status),
	}
	records := Normalize(job.ExecutionSteps, len(steps))

	var (
		merged []model.MergedStep
		dups   int
	)
	if len(steps) == 0 {
		merged, dups = reconcileRecords(records, state)
	} else {
		merged, dups = reconcileWorkflow(steps, records, state)
	}

	slices.SortStableFunc(merged, func(a, b model.MergedStep) int {
		return cmp.Compare(a.StepOrder, b.StepOrder)
	})

	r.observer.ObserveReconcile(summarize(job.Status, merged, dups, len(steps) == 0))
	return merged
}

func reconcileWorkflow(steps []model.WorkflowStepSpec, records []model.ExecutionRecord, state jobState) ([]model.MergedStep, int) {
	index := make(map[int]model.ExecutionRecord, len(steps))
	var rest []model.ExecutionRecord
	dups := 0
	for _, rec := range records {
		// Unrecognised tags within range still belong to the authored step.
		if model.IsSystemStepType(rec.StepType) || rec.StepOrder < 1 || rec.StepOrder > len(steps) {
			rest = append(rest, rec)
			continue
		}
		if _, seen := index[rec.StepOrder]; seen {
			dups++
		}
		index[rec.StepOrder] = rec
	}

	completedCount := 0
	for _, rec := range index {
		if HasCompleted(rec) {
			completedCount++
		}
	}

	merged := make([]model.MergedStep, 0, len(steps)+len(rest))
	for i, spec := range steps {
		order := i + 1
		rec, ok := index[order]
		if ok {
			step := mergeRecord(spec, rec, order, state)
			step.Status = recordStatus(rec, state)
			merged = append(merged, step)
			continue
		}

		step := fromSpec(spec, order)
		switch {
		case state.succeeded:
			step.Status = model.StepStatusCompleted
		case state.active && order == completedCount+1:
			step.Status = model.StepStatusInProgress
		default:
			step.Status = model.StepStatusPending
		}
		merged = append(merged, step)
	}

	system, sysDups := dedupeRecords(rest)
	for _, rec := range system {
		merged = append(merged, systemStep(rec, state))
	}
	return merged, dups + sysDups
}

// reconcileRecords maps records one to one when no definition is available.
func reconcileRecords(records []model.ExecutionRecord, state jobState) ([]model.MergedStep, int) {
	deduped, dups := dedupeRecords(records)
	slices.SortStableFunc(deduped, func(a, b model.ExecutionRecord) int {
		return cmp.Compare(a.StepOrder, b.StepOrder)
	})

	// The lowest undecided order of an active job is the one running.
	merged := make([]model.MergedStep, 0, len(deduped))
	current := false
	for _, rec := range deduped {
		step := recordOnly(rec, state)
		step.IsSystemStep = model.IsSystemStepType(rec.StepType)

		status, decided := Classify(rec)
		switch {
		case decided:
			step.Status = status
		case state.succeeded:
			step.Status = model.StepStatusCompleted
		case state.active && !current:
			step.Status = model.StepStatusInProgress
			current = true
		default:
			step.Status = model.StepStatusPending
		}
		merged = append(merged, step)
	}
	return merged, dups
}

// dedupeRecords keeps the last record for every (order, type) pair, at the
// position of the first one.
func dedupeRecords(records []model.ExecutionRecord) ([]model.ExecutionRecord, int) {
	type key struct {
		order    int
		stepType string
	}
	pos := make(map[key]int, len(records))
	out := make([]model.ExecutionRecord, 0, len(records))
	dups := 0
	for _, rec := range records {
		k := key{rec.StepOrder, rec.StepType}
		if i, seen := pos[k]; seen {
			out[i] = rec
			dups++
			continue
		}
		pos[k] = len(out)
		out = append(out, rec)
	}
	return out, dups
}

func recordStatus(rec model.ExecutionRecord, state jobState) string {
	if status, decided := Classify(rec); decided {
		return status
	}
	switch {
	case state.succeeded:
		return model.StepStatusCompleted
	case state.active:
		// Created but not finished: this is the partial current step.
		return model.StepStatusInProgress
	}
	return model.StepStatusPending
}

func systemStep(rec model.ExecutionRecord, state jobState) model.MergedStep {
	step := recordOnly(rec, state)
	step.IsSystemStep = true
	switch {
	case IsExplicitlyFailed(rec):
		step.Status = model.StepStatusFailed
	case HasOutput(rec.Output), state.succeeded:
		step.Status = model.StepStatusCompleted
	default:
		step.Status = model.StepStatusPending
	}
	return step
}

// mergeRecord joins authoring fields from spec with runtime fields from rec.
// Declared tools and tool_choice replace the record's input snapshot.
func mergeRecord(spec model.WorkflowStepSpec, rec model.ExecutionRecord, order int, state jobState) model.MergedStep {
	step := fromSpec(spec, order)
	step.StepName = firstNonEmpty(spec.StepName, rec.StepName, defaultStepName(order))
	step.Model = firstNonEmpty(spec.Model, rec.Model)
	applyRuntime(&step, rec, state)

	if spec.Tools == nil && rec.Input != nil {
		step.Tools = slices.Clone(rec.Input.Tools)
	}
	if spec.ToolChoice == "" && rec.Input != nil {
		step.ToolChoice = rec.Input.ToolChoice
	}
	if rec.Input != nil {
		in := *rec.Input
		in.Tools = step.Tools
		in.ToolChoice = step.ToolChoice
		step.Input = &in
	}
	return step
}

// fromSpec builds a step with authoring fields only and null runtime fields.
func fromSpec(spec model.WorkflowStepSpec, order int) model.MergedStep {
	return model.MergedStep{
		StepOrder:        order,
		StepType:         model.StepTypeWorkflow,
		StepName:         firstNonEmpty(spec.StepName, defaultStepName(order)),
		StepDescription:  spec.StepDescription,
		Model:            spec.Model,
		Tools:            slices.Clone(spec.Tools),
		ToolChoice:       spec.ToolChoice,
		Instructions:     spec.Instructions,
		ServiceTier:      spec.ServiceTier,
		ReasoningEffort:  spec.ReasoningEffort,
		DependsOn:        slices.Clone(spec.DependsOn),
		DependencyLabels: dependencyLabels(spec),
	}
}

// recordOnly builds a step from a record alone, for system steps and
// fallback mode.
func recordOnly(rec model.ExecutionRecord, state jobState) model.MergedStep {
	step := model.MergedStep{
		StepOrder: rec.StepOrder,
		StepType:  rec.StepType,
		StepName:  firstNonEmpty(rec.StepName, systemStepName(rec.StepType, rec.StepOrder)),
		Model:     rec.Model,
	}
	if rec.Input != nil {
		step.Tools = slices.Clone(rec.Input.Tools)
		step.ToolChoice = rec.Input.ToolChoice
		step.Instructions = rec.Input.Instructions
	}
	applyRuntime(&step, rec, state)
	return step
}

func applyRuntime(step *model.MergedStep, rec model.ExecutionRecord, state jobState) {
	if rec.Input != nil {
		in := *rec.Input
		step.Input = &in
	}
	step.Output = rec.Output
	step.Error = rec.Error
	step.Success = rec.Success
	step.StartedAt = rec.StartedAt
	step.CompletedAt = rec.CompletedAt
	if !step.CompletedAt.Present() {
		step.CompletedAt = rec.Timestamp
	}
	step.DurationMs = rec.DurationMs
	step.UsageInfo = rec.UsageInfo
	step.ArtifactID = rec.ArtifactID
	step.ImageURLs = rec.ImageURLs
	step.Children = convertChildren(rec.Children, state)
}

// convertChildren classifies nested records with the evaluator. Undecided
// children are pending unless the whole job succeeded.
func convertChildren(children []model.ExecutionRecord, state jobState) []model.MergedStep {
	if len(children) == 0 {
		return nil
	}
	out := make([]model.MergedStep, len(children))
	for i, child := range children {
		step := recordOnly(child, state)
		if status, decided := Classify(child); decided {
			step.Status = status
		} else if state.succeeded {
			step.Status = model.StepStatusCompleted
		} else {
			step.Status = model.StepStatusPending
		}
		out[i] = step
	}
	return out
}

// dependencyLabels keeps the declared labels of declared dependencies.
// Undeclared labels are left to ResolveDependencies.
func dependencyLabels(spec model.WorkflowStepSpec) model.DependencyLabels {
	if len(spec.DependsOn) == 0 {
		return nil
	}
	labels := make(model.DependencyLabels, len(spec.DependsOn))
	for _, d := range spec.DependsOn {
		if label := strings.TrimSpace(spec.DependencyLabels[d]); label != "" {
			labels[d] = label
		}
	}
	if len(labels) == 0 {
		return nil
	}
	return labels
}

func summarize(jobStatus string, steps []model.MergedStep, dups int, fallback bool) Summary {
	s := Summary{
		JobStatus:       jobStatus,
		Steps:           len(steps),
		DuplicateOrders: dups,
		Fallback:        fallback,
	}
	for _, step := range steps {
		if step.IsSystemStep {
			s.SystemSteps++
		}
		switch step.Status {
		case model.StepStatusPending:
			s.Pending++
		case model.StepStatusInProgress:
			s.InProgress++
		case model.StepStatusCompleted:
			s.Completed++
		case model.StepStatusFailed:
			s.Failed++
		}
	}
	return s
}

func defaultStepName(order int) string {
	return fmt.Sprintf("Step %d", order)
}

func systemStepName(stepType string, order int) string {
	switch stepType {
	case model.StepTypeFormSubmission:
		return "Form Submission"
	case model.StepTypeHTMLGeneration:
		return "HTML Generation"
	case model.StepTypeFinalOutput:
		return "Final Output"
	}
	return defaultStepName(order)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
