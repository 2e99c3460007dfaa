package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type traceKey struct{}

// New builds the process logger. "debug" selects the console encoder.
func New(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// ContextWithTrace stores a request trace id on ctx.
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceFromContext returns the trace id stored on ctx, if any.
func TraceFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTrace adds the trace id from ctx to l.
func WithTrace(ctx context.Context, l *zap.Logger) *zap.Logger {
	if id := TraceFromContext(ctx); id != "" {
		return l.With(zap.String("trace_id", id))
	}
	return l
}
