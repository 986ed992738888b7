package model

import (
	"context"
	"errors"
)

// RequestContext carries the caller identity and correlation data for one
// dashboard request. It is built once by the transport layer and read by
// sources when calling the lead-magnet backend.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string

	// Token is the caller's bearer token, forwarded to the backend so that
	// record visibility follows the operator's own permissions.
	Token string
}

// Validate checks that SubjectID and TenantID are set.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, errors.New("TenantID is required"))
	}
	return errors.Join(errs...)
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
