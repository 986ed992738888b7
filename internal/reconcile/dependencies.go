package reconcile

import (
	"fmt"
	"strings"

	"github.com/pitabwire/leadboard/model"
)

// ResolveDependencies returns a preview for every dependency of step whose
// target exists in all. DependsOn holds zero-based indices into the workflow
// definition, so dependency d targets the step with order d+1. Targets that
// no longer exist are dropped.
func ResolveDependencies(step model.MergedStep, all []model.MergedStep) []model.DependencyPreview {
	previews := make([]model.DependencyPreview, 0, len(step.DependsOn))
	if len(step.DependsOn) == 0 {
		return previews
	}

	byOrder := make(map[int]model.MergedStep, len(all))
	for _, s := range all {
		if s.IsSystemStep {
			continue
		}
		byOrder[s.StepOrder] = s
	}

	for _, d := range step.DependsOn {
		if d < 0 {
			continue
		}
		target, ok := byOrder[d+1]
		if !ok {
			continue
		}
		label := strings.TrimSpace(step.DependencyLabels[d])
		if label == "" {
			label = fmt.Sprintf("Step %d", d+1)
		}
		previews = append(previews, model.DependencyPreview{
			Index:     d,
			StepOrder: target.StepOrder,
			Label:     label,
			Status:    target.Status,
			Output:    target.Output,
		})
	}
	return previews
}

// AttachDependencies returns a copy of all with Dependencies filled on every
// step that declares any.
func AttachDependencies(all []model.MergedStep) []model.MergedStep {
	out := make([]model.MergedStep, len(all))
	copy(out, all)
	for i := range out {
		if len(out[i].DependsOn) == 0 {
			continue
		}
		out[i].Dependencies = ResolveDependencies(all[i], all)
	}
	return out
}
