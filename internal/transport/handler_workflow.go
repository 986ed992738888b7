package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/leadboard/model"
)

func handleVersionHistory(svc Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			respondError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		buckets, err := svc.VersionHistory(r.Context(), rctx, chi.URLParam(r, "workflowId"), queryInt(r, "job_limit", 0))
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteList(w, buckets)
	}
}

func handleVersionDetail(svc Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			respondError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		version, err := pathInt(r, "version")
		if err != nil {
			respondError(w, r, err)
			return
		}

		v, err := svc.VersionDetail(r.Context(), rctx, chi.URLParam(r, "workflowId"), version)
		if err != nil {
			respondError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, v)
	}
}

// queryInt returns the integer query parameter key, or def when it is
// missing or malformed.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
