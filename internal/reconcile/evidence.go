package reconcile

import (
	"reflect"
	"strings"

	"github.com/pitabwire/leadboard/model"
)

// HasCompleted reports whether a record carries any evidence that the step
// finished. Execution paths populate different fields depending on the step
// kind, so any one of them is sufficient.
func HasCompleted(rec model.ExecutionRecord) bool {
	return HasOutput(rec.Output) ||
		rec.CompletedAt.Present() ||
		(rec.DurationMs != nil && *rec.DurationMs > 0) ||
		strings.TrimSpace(rec.ArtifactID) != "" ||
		len(rec.ImageURLs) > 0 ||
		(rec.StartedAt.Present() && rec.CompletedAt.Present()) ||
		rec.Timestamp.Present()
}

// IsExplicitlyFailed reports whether the record says it failed, either with
// success=false or with a non-empty error. It takes precedence over
// HasCompleted.
func IsExplicitlyFailed(rec model.ExecutionRecord) bool {
	if rec.Success != nil && !*rec.Success {
		return true
	}
	return strings.TrimSpace(rec.Error) != ""
}

// Classify returns the status a record supports on its own. When decided is
// false the record is neither failed nor completed and the caller must pick
// between pending and in_progress from job-level context.
func Classify(rec model.ExecutionRecord) (status string, decided bool) {
	switch {
	case IsExplicitlyFailed(rec):
		return model.StepStatusFailed, true
	case HasCompleted(rec):
		return model.StepStatusCompleted, true
	}
	return "", false
}

// HasOutput reports whether v is a non-empty output value. Null, blank
// strings, and empty arrays or objects are empty; false and 0 are values.
func HasOutput(v any) bool {
	switch o := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(o) != ""
	case []any:
		return len(o) > 0
	case map[string]any:
		return len(o) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return strings.TrimSpace(rv.String()) != ""
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
