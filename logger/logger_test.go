package logger

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithTraceIncludesIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	spanID, _ := trace.SpanIDFromHex("0123456789abcdef")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	WithTrace(ctx, zap.New(core)).Info("hello")
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != traceID.String() {
		t.Fatalf("expected trace_id %q, got %q", traceID.String(), fields["trace_id"])
	}
	if fields["span_id"] != spanID.String() {
		t.Fatalf("expected span_id %q, got %q", spanID.String(), fields["span_id"])
	}
}

func TestWithTraceWithoutSpan(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	WithTrace(context.Background(), zap.New(core)).Info("hello")
	if _, ok := logs.All()[0].ContextMap()["trace_id"]; ok {
		t.Fatal("expected no trace_id without a span")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	log, err := New("DEBUG")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level enabled")
	}
}

func TestMaskAuthorization(t *testing.T) {
	if got, want := MaskAuthorization("Bearer abcdef1234"), "Bearer ****1234"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := MaskAuthorization("abc"); got != "****" {
		t.Fatalf("expected fully masked short value, got %q", got)
	}
}
