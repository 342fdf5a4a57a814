// Package tracing sets up the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "kiln"

// Provider owns the tracer provider. Shutdown flushes pending spans.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// Setup returns a provider exporting spans as JSON lines to w. When enabled
// is false it returns a no-op provider. The provider is also installed as
// the global one.
func Setup(enabled bool, w io.Writer) (*Provider, error) {
	if !enabled {
		return &Provider{
			tp:       noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
