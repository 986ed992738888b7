package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/leadboard/model"
)

// Dashboard is the read model served by the job and workflow handlers.
type Dashboard interface {
	JobView(ctx context.Context, rctx *model.RequestContext, jobID string) (model.JobView, error)
	Steps(ctx context.Context, rctx *model.RequestContext, jobID string) ([]model.MergedStep, error)
	StepDependencies(ctx context.Context, rctx *model.RequestContext, jobID string, stepOrder int) ([]model.DependencyPreview, error)
	VersionHistory(ctx context.Context, rctx *model.RequestContext, workflowID string, jobLimit int) ([]model.VersionBucket, error)
	VersionDetail(ctx context.Context, rctx *model.RequestContext, workflowID string, version int) (model.WorkflowVersion, error)
}

func handleJobView(svc Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			respondError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := svc.JobView(r.Context(), rctx, chi.URLParam(r, "jobId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleJobSteps(svc Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			respondError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		steps, err := svc.Steps(r.Context(), rctx, chi.URLParam(r, "jobId"))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteList(w, steps)
	}
}

func handleStepDependencies(svc Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			respondError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		order, err := pathInt(r, "stepOrder")
		if err != nil {
			respondError(w, r, err)
			return
		}

		deps, err := svc.StepDependencies(r.Context(), rctx, chi.URLParam(r, "jobId"), order)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteList(w, deps)
	}
}

// pathInt parses a non-negative integer URL parameter.
func pathInt(r *http.Request, key string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, key))
	if err != nil || v < 0 {
		return 0, model.NewInvalidParamError(key, "must be a non-negative integer")
	}
	return v, nil
}
