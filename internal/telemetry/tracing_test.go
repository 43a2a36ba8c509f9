package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupTracingRecordsSpans(t *testing.T) {
	ctx := context.Background()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	rec := tracetest.NewSpanRecorder()
	tr, err := SetupTracing(ctx, TracingConfig{ServiceName: "governance-test"}, sdktrace.WithSpanProcessor(rec))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, span := otel.Tracer("test").Start(ctx, "unit")
	if !span.IsRecording() || !span.SpanContext().IsValid() {
		t.Fatalf("global tracer must record once tracing is set up")
	}
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "unit" {
		t.Fatalf("expected one ended span named unit, got %d", len(ended))
	}
	if err := tr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("authorization=Bearer abc, x-team = gov ,broken,")
	if len(got) != 2 || got["authorization"] != "Bearer abc" || got["x-team"] != "gov" {
		t.Fatalf("unexpected headers %v", got)
	}
	if len(parseHeaders("")) != 0 {
		t.Fatalf("empty input must yield no headers")
	}
}
