package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/leadboard/model"
)

func twoSteps() []model.WorkflowStepSpec {
	return []model.WorkflowStepSpec{
		{StepName: "Research", Model: "gpt-5", Instructions: "Research the prospect"},
		{StepName: "Write report", Model: "gpt-5", Instructions: "Write the report", DependsOn: []int{0}},
	}
}

func statuses(steps []model.MergedStep) map[int]string {
	out := make(map[int]string, len(steps))
	for _, s := range steps {
		out[s.StepOrder] = s.Status
	}
	return out
}

// --- Sequential progress ---

func TestReconcile_noRecordsProcessing(t *testing.T) {
	steps := Reconcile(twoSteps(), model.Job{Status: model.JobStatusProcessing})

	require.Len(t, steps, 2)
	assert.Equal(t, model.StepStatusInProgress, steps[0].Status)
	assert.Equal(t, model.StepStatusPending, steps[1].Status)
	assert.Nil(t, steps[0].Output)
}

func TestReconcile_firstDoneSecondCurrent(t *testing.T) {
	job := model.Job{
		Status:         model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 1, StepType: model.StepTypeWorkflow, Output: "done"}},
	}
	steps := Reconcile(twoSteps(), job)

	require.Len(t, steps, 2)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, "done", steps[0].Output)
	assert.Equal(t, model.StepStatusInProgress, steps[1].Status)
}

func TestReconcile_partialRecordIsCurrent(t *testing.T) {
	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{
			{StepOrder: 1, Output: "done"},
			{StepOrder: 2, StartedAt: at(100), Model: "gpt-4o"},
		},
	}
	steps := Reconcile(twoSteps(), job)

	require.Len(t, steps, 2)
	assert.Equal(t, model.StepStatusInProgress, steps[1].Status)
	assert.True(t, steps[1].StartedAt.Present())
	assert.Equal(t, "gpt-5", steps[1].Model, "declared model wins over the record")
}

func TestReconcile_queuedJobHasCurrentStep(t *testing.T) {
	steps := Reconcile(twoSteps(), model.Job{Status: model.JobStatusPending})
	assert.Equal(t, map[int]string{1: model.StepStatusInProgress, 2: model.StepStatusPending}, statuses(steps))
}

func TestReconcile_unknownStatusHasNoCurrentStep(t *testing.T) {
	steps := Reconcile(twoSteps(), model.Job{})
	assert.Equal(t, map[int]string{1: model.StepStatusPending, 2: model.StepStatusPending}, statuses(steps))
}

func TestReconcile_failedJobLeavesMissingStepsPending(t *testing.T) {
	job := model.Job{
		Status:         model.JobStatusFailed,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 1, Error: "model overloaded"}},
	}
	steps := Reconcile(twoSteps(), job)
	assert.Equal(t, map[int]string{1: model.StepStatusFailed, 2: model.StepStatusPending}, statuses(steps))
}

// --- Job-level overrides ---

func TestReconcile_completedJobHasNoOpenSteps(t *testing.T) {
	spec := append(twoSteps(), model.WorkflowStepSpec{StepName: "Polish"})
	job := model.Job{
		Status: model.JobStatusCompleted,
		ExecutionSteps: []model.ExecutionRecord{
			{StepOrder: 0, StepType: model.StepTypeFormSubmission},
			{StepOrder: 1, Output: "a"},
			{StepOrder: 2, StartedAt: at(100)},
			{StepOrder: 4, StepType: model.StepTypeFinalOutput},
			{StepOrder: 5, StepType: model.StepTypeHTMLGeneration, Success: boolPtr(false)},
		},
	}
	steps := Reconcile(spec, job)

	require.Len(t, steps, 6)
	for _, s := range steps {
		assert.Contains(t, []string{model.StepStatusCompleted, model.StepStatusFailed}, s.Status, "order %d", s.StepOrder)
	}
	assert.Equal(t, model.StepStatusFailed, statuses(steps)[5])
}

func TestReconcile_successFalseAlwaysFails(t *testing.T) {
	for _, status := range []string{model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed} {
		job := model.Job{
			Status: status,
			ExecutionSteps: []model.ExecutionRecord{
				{StepOrder: 1, Output: "partial result", Success: boolPtr(false)},
			},
		}
		steps := Reconcile(twoSteps(), job)
		assert.Equal(t, model.StepStatusFailed, steps[0].Status, "job status %s", status)
		assert.Equal(t, "partial result", steps[0].Output)
	}
}

// --- Duplicates ---

func TestReconcile_duplicateOrderLastWins(t *testing.T) {
	withOutput := model.ExecutionRecord{StepOrder: 1, Output: "first"}
	withoutOutput := model.ExecutionRecord{StepOrder: 1, StartedAt: at(200)}

	t.Run("output then retry", func(t *testing.T) {
		job := model.Job{Status: model.JobStatusProcessing, ExecutionSteps: []model.ExecutionRecord{withOutput, withoutOutput}}
		steps := Reconcile(twoSteps(), job)
		require.Len(t, steps, 2)
		assert.Nil(t, steps[0].Output)
		assert.Equal(t, model.StepStatusInProgress, steps[0].Status)
	})

	t.Run("retry then output", func(t *testing.T) {
		job := model.Job{Status: model.JobStatusProcessing, ExecutionSteps: []model.ExecutionRecord{withoutOutput, withOutput}}
		steps := Reconcile(twoSteps(), job)
		require.Len(t, steps, 2)
		assert.Equal(t, "first", steps[0].Output)
		assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	})
}

// --- Authoring merge ---

func TestReconcile_declaredEmptyToolsWin(t *testing.T) {
	spec := []model.WorkflowStepSpec{{StepName: "A", Tools: []model.ToolConfig{}}}
	job := model.Job{
		Status: model.JobStatusCompleted,
		ExecutionSteps: []model.ExecutionRecord{{
			StepOrder: 1,
			Output:    "x",
			Input:     &model.StepInput{Tools: []model.ToolConfig{{Type: "web_search"}}, ToolChoice: "auto"},
		}},
	}
	steps := Reconcile(spec, job)

	require.Len(t, steps, 1)
	assert.NotNil(t, steps[0].Tools)
	assert.Empty(t, steps[0].Tools)
	require.NotNil(t, steps[0].Input)
	assert.Empty(t, steps[0].Input.Tools)
	assert.Equal(t, "auto", steps[0].ToolChoice, "undeclared tool_choice falls back to the record")
	assert.Len(t, job.ExecutionSteps[0].Input.Tools, 1, "record input must not be modified")
}

func TestReconcile_undeclaredToolsComeFromRecord(t *testing.T) {
	spec := []model.WorkflowStepSpec{{StepName: "A", ToolChoice: "required"}}
	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{{
			StepOrder: 1,
			Output:    "x",
			Input:     &model.StepInput{Tools: []model.ToolConfig{{Type: "web_search"}}, ToolChoice: "auto"},
		}},
	}
	steps := Reconcile(spec, job)

	require.Len(t, steps[0].Tools, 1)
	assert.Equal(t, "web_search", steps[0].Tools[0].Type)
	assert.Equal(t, "required", steps[0].ToolChoice)
	assert.Equal(t, "required", steps[0].Input.ToolChoice)
}

func TestReconcile_authoringFromDefinitionRuntimeFromRecord(t *testing.T) {
	spec := []model.WorkflowStepSpec{{StepName: "Research v2", Instructions: "new instructions"}}
	job := model.Job{
		Status: model.JobStatusCompleted,
		ExecutionSteps: []model.ExecutionRecord{{
			StepOrder:  1,
			StepName:   "Research v1",
			Model:      "gpt-4o",
			Output:     "report",
			DurationMs: floatPtr(1200),
			ArtifactID: "art-9",
			UsageInfo:  map[string]any{"cost_usd": 0.01},
		}},
	}
	steps := Reconcile(spec, job)

	require.Len(t, steps, 1)
	s := steps[0]
	assert.Equal(t, "Research v2", s.StepName)
	assert.Equal(t, "new instructions", s.Instructions)
	assert.Equal(t, "gpt-4o", s.Model, "record model fills an undeclared model")
	assert.Equal(t, "report", s.Output)
	assert.Equal(t, 1200.0, *s.DurationMs)
	assert.Equal(t, "art-9", s.ArtifactID)
	assert.False(t, s.IsSystemStep)
}

func TestReconcile_dependencyLabelsResolved(t *testing.T) {
	spec := []model.WorkflowStepSpec{
		{StepName: "Research"},
		{StepName: "Outline"},
		{StepName: "Write", DependsOn: []int{0, 1, 7}, DependencyLabels: model.DependencyLabels{1: "The outline"}},
	}
	steps := Reconcile(spec, model.Job{Status: model.JobStatusPending})

	require.Len(t, steps, 3)
	assert.Equal(t, []int{0, 1, 7}, steps[2].DependsOn)
	assert.Equal(t, model.DependencyLabels{1: "The outline"}, steps[2].DependencyLabels)

	previews := ResolveDependencies(steps[2], steps)
	require.Len(t, previews, 2)
	assert.Equal(t, "Step 1", previews[0].Label)
	assert.Equal(t, "The outline", previews[1].Label)
}

// --- System steps ---

func TestReconcile_systemStepsSwept(t *testing.T) {
	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{
			{StepOrder: 0, Output: map[string]any{"email": "a@b.c"}},
			{StepOrder: 1, StepType: "ai_generation", Output: "r"},
			{StepOrder: 2, Output: "w"},
			{StepOrder: 3, StepType: "html_assembly"},
		},
	}
	steps := Reconcile(twoSteps(), job)

	require.Len(t, steps, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, []int{steps[0].StepOrder, steps[1].StepOrder, steps[2].StepOrder, steps[3].StepOrder})

	assert.Equal(t, model.StepTypeFormSubmission, steps[0].StepType)
	assert.True(t, steps[0].IsSystemStep)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, "Form Submission", steps[0].StepName)

	assert.Equal(t, model.StepTypeWorkflow, steps[1].StepType)
	assert.Equal(t, model.StepStatusCompleted, steps[1].Status)

	assert.Equal(t, model.StepTypeHTMLGeneration, steps[3].StepType)
	assert.True(t, steps[3].IsSystemStep)
	assert.Equal(t, model.StepStatusPending, steps[3].Status)
}

func TestReconcile_recordBeyondShrunkWorkflow(t *testing.T) {
	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{
			{StepOrder: 1, Output: "a"},
			{StepOrder: 2, Output: "b"},
			{StepOrder: 3, StepType: model.StepTypeWorkflow, Output: "orphan"},
		},
	}
	steps := Reconcile(twoSteps(), job)

	require.Len(t, steps, 3)
	assert.True(t, steps[2].IsSystemStep)
	assert.Equal(t, model.StepStatusCompleted, steps[2].Status)
	assert.Equal(t, "orphan", steps[2].Output)
}

func TestReconcile_unknownTypeInRangeMergesWithStep(t *testing.T) {
	spec := []model.WorkflowStepSpec{{StepName: "Hook"}, {StepName: "Write"}}
	job := model.Job{
		Status:         model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 1, StepType: "webhook", Output: "sent"}},
	}
	steps := Reconcile(spec, job)

	require.Len(t, steps, 2)
	assert.Equal(t, "Hook", steps[0].StepName)
	assert.Equal(t, model.StepTypeWorkflow, steps[0].StepType)
	assert.False(t, steps[0].IsSystemStep)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, "sent", steps[0].Output)
	assert.Equal(t, model.StepStatusInProgress, steps[1].Status)
}

func TestReconcile_systemTypeInRangeIsSwept(t *testing.T) {
	job := model.Job{
		Status:         model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 2, StepType: model.StepTypeFormSubmission, Output: "form"}},
	}
	steps := Reconcile(twoSteps(), job)

	require.Len(t, steps, 3)
	assert.Equal(t, model.StepStatusInProgress, steps[0].Status)
	assert.False(t, steps[1].IsSystemStep)
	assert.Equal(t, model.StepStatusPending, steps[1].Status)
	assert.True(t, steps[2].IsSystemStep)
	assert.Equal(t, 2, steps[2].StepOrder)
}

// --- Fallback mode ---

func TestReconcile_fallbackWithoutDefinition(t *testing.T) {
	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{
			{StepOrder: 2, StepType: model.StepTypeWorkflow, StepName: "Write"},
			{StepOrder: 0, StepType: model.StepTypeFormSubmission, Output: "form"},
			{StepOrder: 1, StepType: "ai_generation", StepName: "Research", Input: &model.StepInput{Instructions: "old"}},
			{StepOrder: 3, StepType: model.StepTypeWorkflow, StepName: "Polish", Success: boolPtr(false)},
		},
	}
	steps := Reconcile(nil, job)

	require.Len(t, steps, 4)
	assert.Equal(t, map[int]string{
		0: model.StepStatusCompleted,
		1: model.StepStatusInProgress,
		2: model.StepStatusPending,
		3: model.StepStatusFailed,
	}, statuses(steps))
	assert.True(t, steps[0].IsSystemStep)
	assert.False(t, steps[1].IsSystemStep)
	assert.Equal(t, "old", steps[1].Instructions, "without a definition the snapshot is all there is")
}

func TestReconcile_fallbackCompletedJob(t *testing.T) {
	job := model.Job{
		Status:         model.JobStatusCompleted,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 1}, {StepOrder: 1}, {StepOrder: 2}},
	}
	steps := Reconcile(nil, job)
	assert.Equal(t, map[int]string{1: model.StepStatusCompleted, 2: model.StepStatusCompleted}, statuses(steps))
	assert.Len(t, steps, 2)
}

func TestReconcile_emptyEverything(t *testing.T) {
	assert.Empty(t, Reconcile(nil, model.Job{}))
}

// --- Children ---

func TestReconcile_childrenClassified(t *testing.T) {
	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{{
			StepOrder: 1,
			Output:    "parent",
			Children: []model.ExecutionRecord{
				{StepOrder: 1, Output: "a"},
				{StepOrder: 2, Success: boolPtr(false)},
				{StepOrder: 3, Children: []model.ExecutionRecord{{StepOrder: 1, ImageURLs: []string{"u"}}}},
			},
		}},
	}
	steps := Reconcile(twoSteps(), job)

	children := steps[0].Children
	require.Len(t, children, 3)
	assert.Equal(t, model.StepStatusCompleted, children[0].Status)
	assert.Equal(t, model.StepStatusFailed, children[1].Status)
	assert.Equal(t, model.StepStatusPending, children[2].Status)
	require.Len(t, children[2].Children, 1)
	assert.Equal(t, model.StepStatusCompleted, children[2].Children[0].Status)
}

// --- Idempotence and observation ---

func TestReconcile_idempotent(t *testing.T) {
	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{
			{StepOrder: 0, Output: "form"},
			{StepOrder: 1, Output: "a", Tools: []model.ToolConfig{{Type: "web_search"}}},
			{StepOrder: 1, Output: "b"},
		},
	}
	first := Reconcile(twoSteps(), job)
	second := Reconcile(twoSteps(), job)
	assert.Equal(t, first, second)
}

func TestReconciler_observer(t *testing.T) {
	var got []Summary
	r := New(WithObserver(ObserverFunc(func(s Summary) { got = append(got, s) })))

	job := model.Job{
		Status: model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{
			{StepOrder: 0, Output: "form"},
			{StepOrder: 1, Output: "a"},
			{StepOrder: 1, Output: "b"},
		},
	}
	r.Reconcile(twoSteps(), job)

	require.Len(t, got, 1)
	assert.Equal(t, Summary{
		JobStatus:       model.JobStatusProcessing,
		Steps:           3,
		InProgress:      1,
		Completed:       2,
		SystemSteps:     1,
		DuplicateOrders: 1,
	}, got[0])
}

func TestWithObserver_several(t *testing.T) {
	var calls []string
	r := New(
		WithObserver(ObserverFunc(func(Summary) { calls = append(calls, "metrics") })),
		WithObserver(ObserverFunc(func(Summary) { calls = append(calls, "log") })),
	)
	r.Reconcile(twoSteps(), model.Job{Status: model.JobStatusProcessing})
	assert.Equal(t, []string{"metrics", "log"}, calls)
}

func TestWithObserver_nilKeepsDefault(t *testing.T) {
	r := New(WithObserver(nil))
	assert.NotPanics(t, func() { r.Reconcile(twoSteps(), model.Job{}) })
}

// --- Normalize ---

func TestNormalize_legacyShapes(t *testing.T) {
	records := []model.ExecutionRecord{
		{StepOrder: 0},
		{StepOrder: 1, StepType: "AI_Generation", Tools: []model.ToolConfig{{Type: "web_search"}}, ToolChoice: "auto"},
		{StepOrder: 2},
		{StepOrder: 3},
		{StepOrder: 4, StepType: "html_assembly"},
	}
	out := Normalize(records, 2)

	require.Len(t, out, 5)
	assert.Equal(t, model.StepTypeFormSubmission, out[0].StepType)
	assert.Equal(t, model.StepTypeWorkflow, out[1].StepType)
	assert.Equal(t, model.StepTypeWorkflow, out[2].StepType)
	assert.Equal(t, model.StepTypeFinalOutput, out[3].StepType)
	assert.Equal(t, model.StepTypeHTMLGeneration, out[4].StepType)

	require.NotNil(t, out[1].Input)
	assert.Equal(t, []model.ToolConfig{{Type: "web_search"}}, out[1].Input.Tools)
	assert.Equal(t, "auto", out[1].Input.ToolChoice)
	assert.Nil(t, out[1].Tools)

	assert.Equal(t, "AI_Generation", records[1].StepType, "input must not be modified")
	assert.Len(t, records[1].Tools, 1)
	assert.Nil(t, records[1].Input)
}

func TestNormalize_keepsExistingInput(t *testing.T) {
	in := &model.StepInput{ToolChoice: "none"}
	out := Normalize([]model.ExecutionRecord{{StepOrder: 1, Input: in, ToolChoice: "auto"}}, 1)
	assert.Equal(t, "none", out[0].Input.ToolChoice)
	assert.NotSame(t, in, out[0].Input)
}

func TestNormalize_empty(t *testing.T) {
	assert.Nil(t, Normalize(nil, 3))
}
