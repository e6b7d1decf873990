// Package otel bootstraps the tracing half of the OpenTelemetry SDK used
// across ccpointer. Metrics are served separately via pkg/orchestrator's
// Prometheus registry, and logs go through zerolog; this package only wires
// up a TracerProvider so every pkg/*.tracer.Start call lands somewhere.
package otel

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupOTelSDK bootstraps the tracing pipeline and installs it as the global
// tracer provider. If enabled is false, traces are generated but discarded,
// which keeps tracer.Start call sites free of enabled-checks. If endpoint is
// non-empty, spans are shipped via OTLP/gRPC; otherwise they are pretty
// printed to stdout. The returned shutdown func flushes and must be called
// on exit.
func SetupOTelSDK(
	ctx context.Context,
	enabled bool,
	endpoint string,
	res *resource.Resource,
) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	switch {
	case enabled && endpoint != "":
		zerolog.Ctx(ctx).Info().Str("endpoint", endpoint).Msg("setting up tracer provider with OTLP/gRPC endpoint")

		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(endpoint))
	case enabled:
		zerolog.Ctx(ctx).Info().Msg("setting up tracer provider with pretty printing")

		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}

	if err != nil {
		return func(context.Context) error { return nil }, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
