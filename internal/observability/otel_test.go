package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/decro-app/decro-sync/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	previousProvider := otel.GetTracerProvider()
	previousPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(previousProvider)
		otel.SetTextMapPropagator(previousPropagator)
	})
}

func useInMemoryExporter(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	original := newExporterFn
	newExporterFn = func(context.Context, ...otlptracegrpc.Option) (sdktrace.SpanExporter, error) {
		return exporter, nil
	}
	t.Cleanup(func() {
		newExporterFn = original
	})
	return exporter
}

func enabledConfig() config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "decro-sync-test",
		SampleRatio: 1.0,
	}
}

func TestSetupOTelDisabledIsNoOp(t *testing.T) {
	preserveOTelGlobals(t)
	previousProvider := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "v0.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != previousProvider {
		t.Fatalf("expected tracer provider untouched")
	}
}

func TestSetupOTelExportsSpans(t *testing.T) {
	preserveOTelGlobals(t)
	exporter := useInMemoryExporter(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig(), "v1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk tracer provider installed")
	}

	_, span := otel.Tracer("test").Start(context.Background(), "feedsync.replay")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "feedsync.replay" {
		t.Fatalf("expected exported replay span, got %d spans", len(spans))
	}
}

func TestSetupOTelExporterErrorLeavesGlobalsIntact(t *testing.T) {
	preserveOTelGlobals(t)
	original := newExporterFn
	t.Cleanup(func() {
		newExporterFn = original
	})
	newExporterFn = func(context.Context, ...otlptracegrpc.Option) (sdktrace.SpanExporter, error) {
		return nil, errors.New("exporter unavailable")
	}
	previousProvider := otel.GetTracerProvider()

	if _, err := SetupOTel(context.Background(), enabledConfig(), "v0"); err == nil {
		t.Fatalf("expected error")
	}
	if otel.GetTracerProvider() != previousProvider {
		t.Fatalf("tracer provider changed on failure")
	}
}

func TestSetupOTelResourceErrorLeavesGlobalsIntact(t *testing.T) {
	preserveOTelGlobals(t)
	useInMemoryExporter(t)
	original := newResourceFn
	t.Cleanup(func() {
		newResourceFn = original
	})
	newResourceFn = func(context.Context, string, string) (*resource.Resource, error) {
		return nil, errors.New("resource unavailable")
	}
	previousProvider := otel.GetTracerProvider()

	if _, err := SetupOTel(context.Background(), enabledConfig(), "v0"); err == nil {
		t.Fatalf("expected error")
	}
	if otel.GetTracerProvider() != previousProvider {
		t.Fatalf("tracer provider changed on failure")
	}
}
