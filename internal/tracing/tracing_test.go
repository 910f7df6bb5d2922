package tracing

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	ctx, span := Start(context.Background(), "noop")
	defer span.End()
	if TraceID(ctx) != "" {
		t.Error("disabled tracing should not produce trace ids")
	}
}

func TestStart_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = nil })

	ctx, span := Start(context.Background(), "proxy.settle")
	if TraceID(ctx) == "" {
		t.Error("expected a trace id")
	}
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "proxy.settle" {
		t.Errorf("name = %q", ended[0].Name())
	}
	if len(ended[0].Events()) != 1 {
		t.Errorf("expected one error event, got %d", len(ended[0].Events()))
	}
}

func TestSampler(t *testing.T) {
	if sampler(1).Description() != sdktrace.AlwaysSample().Description() {
		t.Error("rate 1 should always sample")
	}
	if sampler(0).Description() != sdktrace.NeverSample().Description() {
		t.Error("rate 0 should never sample")
	}
}
