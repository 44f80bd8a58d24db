package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	runKey ctxKey = iota
	stepKey
	sessionKey
	requestKey
	loggerKey
)

const maxIDLen = 256

// idPattern admits uuids, step ids and session keys (role:worker:<role>:<id>).
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := RunIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("run_id", v))
	}
	if v := StepIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("step_id", v))
	}
	if v := SessionKeyFromContext(ctx); v != "" {
		fields = append(fields, zap.String("session_key", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	return fields
}

// WithContext returns base decorated with the correlation fields of ctx.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

func withID(ctx context.Context, key ctxKey, id string) context.Context {
	// Untrusted ids (e.g. from HTTP paths) that fail validation are not
	// attached rather than polluting log output.
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a pipeline run id.
func WithRunID(ctx context.Context, id string) context.Context { return withID(ctx, runKey, id) }

// WithStepID attaches a pipeline step id.
func WithStepID(ctx context.Context, id string) context.Context { return withID(ctx, stepKey, id) }

// WithSessionKey attaches a worker session key.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return withID(ctx, sessionKey, key)
}

// WithRequestID attaches an inbound request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestKey, id)
}

func RunIDFromContext(ctx context.Context) string      { return idFrom(ctx, runKey) }
func StepIDFromContext(ctx context.Context) string     { return idFrom(ctx, stepKey) }
func SessionKeyFromContext(ctx context.Context) string { return idFrom(ctx, sessionKey) }
func RequestIDFromContext(ctx context.Context) string  { return idFrom(ctx, requestKey) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
