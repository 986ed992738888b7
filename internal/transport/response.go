// Package transport contains the HTTP router, middleware chain, and request
// handlers for the dashboard API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/leadboard/internal/observability"
	"github.com/pitabwire/leadboard/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

// listResponse is the body of every collection endpoint.
type listResponse[T any] struct {
	Data []T `json:"data"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteList writes items under a "data" key. A nil slice is written as an
// empty array.
func WriteList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, http.StatusOK, listResponse[T]{Data: items})
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors without an envelope in their chain become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	writeEnvelope(w, envelopeOf(err))
}

// respondError is WriteError with the active trace ID attached.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ee := envelopeOf(err)
	if ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}
	writeEnvelope(w, ee)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// envelopeOf returns a copy of the envelope carried by err.
func envelopeOf(err error) *model.ErrorEnvelope {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return model.NewInternalError()
	}
	cp := *env
	return &cp
}

func writeEnvelope(w http.ResponseWriter, ee *model.ErrorEnvelope) {
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}
