package observability

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/leadboard/internal/config"
	"github.com/pitabwire/leadboard/internal/reconcile"
	"github.com/pitabwire/leadboard/model"
)

func observedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.ObservabilityConfig
		wantDebug bool
		wantInfo  bool
	}{
		{"json info", config.ObservabilityConfig{LogLevel: "info", LogFormat: "json"}, false, true},
		{"console debug", config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"}, true, true},
		{"error only", config.ObservabilityConfig{LogLevel: "error"}, false, false},
		{"unknown level", config.ObservabilityConfig{LogLevel: "chatty"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := logger.Core().Enabled(zapcore.InfoLevel); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	stored := zap.NewExample()
	if got := LoggerFrom(WithLogger(context.Background(), stored), nil); got != stored {
		t.Error("context logger not returned")
	}
	fallback := zap.NewExample()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("fallback not returned")
	}
	if LoggerFrom(context.Background(), nil) == nil {
		t.Error("nil fallback returned nil logger")
	}
}

func TestRequestLogger_operatorFields(t *testing.T) {
	logger, logs := observedLogger(zapcore.InfoLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		TenantID:      "tenant-acme",
		SubjectID:     "user-operator-1",
		CorrelationID: "corr-1",
		TraceID:       "trace-1",
	})

	RequestLogger(WithLogger(ctx, logger), nil).Info("job viewed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	for key, want := range map[string]string{
		"tenant_id":      "tenant-acme",
		"subject_id":     "user-operator-1",
		"correlation_id": "corr-1",
		"trace_id":       "trace-1",
	} {
		if fields[key] != want {
			t.Errorf("%s = %v, want %q", key, fields[key], want)
		}
	}
}

func TestRequestLogger_traceIDFromSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "dashboard.job_view")
	defer span.End()

	logger, logs := observedLogger(zapcore.InfoLevel)
	ctx = model.WithRequestContext(ctx, &model.RequestContext{TenantID: "tenant-acme", SubjectID: "op"})

	RequestLogger(ctx, logger).Info("job viewed")

	got := logs.All()[0].ContextMap()["trace_id"]
	if want := span.SpanContext().TraceID().String(); got != want {
		t.Errorf("trace_id = %v, want %s", got, want)
	}
}

func TestRequestLogger_withoutRequestContext(t *testing.T) {
	logger, logs := observedLogger(zapcore.InfoLevel)

	RequestLogger(context.Background(), logger).Info("liveness check")

	if _, ok := logs.All()[0].ContextMap()["tenant_id"]; ok {
		t.Error("tenant_id logged without a RequestContext")
	}
}

func TestJobFields(t *testing.T) {
	logger, logs := observedLogger(zapcore.InfoLevel)
	job := model.Job{
		JobID:          "job-1",
		WorkflowID:     "wf-audit",
		Status:         model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 1}, {StepOrder: 2}},
	}

	logger.Info("job", JobFields(job)...)
	logger.Info("orphan", JobFields(model.Job{JobID: "job-2", Status: model.JobStatusFailed})...)

	first := logs.All()[0].ContextMap()
	if first["job_id"] != "job-1" || first["workflow_id"] != "wf-audit" || first["execution_records"] != int64(2) {
		t.Errorf("fields = %v", first)
	}
	second := logs.All()[1].ContextMap()
	if _, ok := second["workflow_id"]; ok {
		t.Errorf("empty workflow_id logged: %v", second)
	}
	if _, ok := second["execution_records"]; ok {
		t.Errorf("zero execution_records logged: %v", second)
	}
}

func TestLogObserver(t *testing.T) {
	logger, logs := observedLogger(zapcore.DebugLevel)
	r := reconcile.New(reconcile.WithObserver(LogObserver(logger)))

	r.Reconcile([]model.WorkflowStepSpec{{StepName: "Research"}}, model.Job{
		Status:         model.JobStatusProcessing,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 1, Output: "notes"}},
	})
	r.Reconcile(nil, model.Job{
		Status:         model.JobStatusCompleted,
		ExecutionSteps: []model.ExecutionRecord{{StepOrder: 1, Output: "notes"}},
	})

	entries := logs.FilterMessage("reconcile: pass").All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel || entries[0].ContextMap()["completed"] != int64(1) {
		t.Errorf("workflow pass = %v %v", entries[0].Level, entries[0].ContextMap())
	}
	if entries[1].Level != zapcore.InfoLevel || entries[1].ContextMap()["fallback"] != true {
		t.Errorf("fallback pass = %v %v", entries[1].Level, entries[1].ContextMap())
	}
}

func TestLogObserver_quietAboveDebug(t *testing.T) {
	logger, logs := observedLogger(zapcore.InfoLevel)
	LogObserver(logger).ObserveReconcile(reconcile.Summary{Steps: 2})

	if logs.Len() != 0 {
		t.Errorf("entries = %d, want 0", logs.Len())
	}
}
