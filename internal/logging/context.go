// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/trainloop/internal/task"
)

type taskCtxKey struct{}
type phaseCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// phaseScope is the phase a driver is executing.
type phaseScope struct {
	phase     task.Phase
	iteration int
}

// ContextFields extracts correlation fields from ctx: the active span, the
// task and phase being driven, and the ops request id.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := TaskIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("task.id", id))
	}
	if p, ok := ctx.Value(phaseCtxKey{}).(phaseScope); ok {
		fields = append(fields,
			zap.String("task.phase", string(p.phase)),
			zap.Int("task.iteration", p.iteration),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithTaskID tags ctx with the task being driven. Empty ids are ignored.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext returns the task id set by WithTaskID.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskCtxKey{}).(string)
	return id
}

// WithPhase tags ctx with the phase and iteration being executed.
func WithPhase(ctx context.Context, phase task.Phase, iteration int) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phaseScope{phase: phase, iteration: iteration})
}

// PhaseFromContext returns the phase set by WithPhase.
func PhaseFromContext(ctx context.Context) (task.Phase, int, bool) {
	p, ok := ctx.Value(phaseCtxKey{}).(phaseScope)
	return p.phase, p.iteration, ok
}

// WithRequestID tags ctx with an ops request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
