package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/reconcile"
	"github.com/pitabwire/leadboard/model"
)

// Log formats accepted by NewLogger.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// NewLogger builds the service logger. JSON goes to stdout for log
// shipping; the console format is for operators running leadboard locally.
// An unknown level falls back to info.
//
// Dashboard reads that degrade (workflow missing, breaker open, cache
// failures) log at warn. Per-pass reconciliation summaries log at debug.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if strings.EqualFold(cfg.LogFormat, LogFormatConsole) {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapCfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
		zapCfg.Sampling = nil
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.InitialFields = map[string]any{
		"service": "leadboard",
		"version": Version,
	}

	return zapCfg.Build()
}

type loggerKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's tenant,
// subject and correlation id. The trace id comes from the RequestContext,
// or from the active span when the context was built before tracing ran.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	traceID := rctx.TraceID
	if traceID == "" {
		traceID = TraceIDFromContext(ctx)
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	return logger.With(fields...)
}

// JobFields describes a job for log lines without its execution records.
func JobFields(job model.Job) []zap.Field {
	fields := []zap.Field{
		zap.String("job_id", job.JobID),
		zap.String("job_status", job.Status),
	}
	if job.WorkflowID != "" {
		fields = append(fields, zap.String("workflow_id", job.WorkflowID))
	}
	if n := len(job.ExecutionSteps); n > 0 {
		fields = append(fields, zap.Int("execution_records", n))
	}
	return fields
}

// LogObserver returns a reconcile.Observer that logs every pass at debug.
// Passes that fell back to records alone log at info.
func LogObserver(logger *zap.Logger) reconcile.Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return reconcile.ObserverFunc(func(s reconcile.Summary) {
		level := zapcore.DebugLevel
		if s.Fallback {
			level = zapcore.InfoLevel
		}
		if ce := logger.Check(level, "reconcile: pass"); ce != nil {
			ce.Write(
				zap.String("job_status", s.JobStatus),
				zap.Int("steps", s.Steps),
				zap.Int("completed", s.Completed),
				zap.Int("in_progress", s.InProgress),
				zap.Int("pending", s.Pending),
				zap.Int("failed", s.Failed),
				zap.Int("system_steps", s.SystemSteps),
				zap.Int("duplicate_orders", s.DuplicateOrders),
				zap.Bool("fallback", s.Fallback),
			)
		}
	})
}
