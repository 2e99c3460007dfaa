package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithTraceAddsTraceID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := zap.New(core)

	ctx := ContextWithTrace(context.Background(), "req-1")
	if got := TraceFromContext(ctx); got != "req-1" {
		t.Fatalf("TraceFromContext = %q", got)
	}
	WithTrace(ctx, l).Info("hello")
	WithTrace(context.Background(), l).Info("plain")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if got := entries[0].ContextMap()["trace_id"]; got != "req-1" {
		t.Errorf("trace_id = %v", got)
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Error("trace_id added without a trace on the context")
	}
}

func TestNewParsesLevel(t *testing.T) {
	l, err := New("warn")
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info enabled at warn level")
	}
	if _, err := New("not-a-level"); err != nil {
		t.Errorf("unknown level should fall back to info: %v", err)
	}
}
