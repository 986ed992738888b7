package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Dashboard    Dashboard

	// Metrics is optional. MetricsHandler defaults to the default
	// Prometheus registry.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "route not found")
	})

	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if m := deps.Config.Observability.Metrics; m.Enabled {
		handler := deps.MetricsHandler
		if handler == nil {
			handler = observability.Handler()
		}
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, handler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = NewAuthenticator(deps.Config.Identity, logger)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/ui/jobs/{jobId}", handleJobView(deps.Dashboard))
		r.Get("/ui/jobs/{jobId}/steps", handleJobSteps(deps.Dashboard))
		r.Get("/ui/jobs/{jobId}/steps/{stepOrder}/dependencies", handleStepDependencies(deps.Dashboard))
		r.Get("/ui/workflows/{workflowId}/versions", handleVersionHistory(deps.Dashboard))
		r.Get("/ui/workflows/{workflowId}/versions/{version}", handleVersionDetail(deps.Dashboard))
	})

	return r
}
