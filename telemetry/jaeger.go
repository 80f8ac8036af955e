// Package telemetry wires distributed tracing for the collaboration
// backend via OpenTelemetry's Jaeger exporter. Spans are opened per
// HTTP request by Middleware; room dispatch and kernel bridge callbacks
// open no spans of their own.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InitJaeger configures the global tracer provider to export spans to
// a Jaeger collector at jaegerEndpoint, tagged with serviceName. The
// returned func flushes and shuts the provider down; callers should
// defer it (or call it from app.Context.Shutdown).
func InitJaeger(serviceName, jaegerEndpoint string) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	slog.Info("telemetry: jaeger tracing initialized", "endpoint", jaegerEndpoint, "service", serviceName)

	return tp.Shutdown, nil
}
