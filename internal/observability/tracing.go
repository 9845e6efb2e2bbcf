package observability

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/danshapiro/rivet"

// InitTracing installs a global tracer provider that writes spans to w as
// JSON. The returned function flushes and shuts it down.
func InitTracing(w io.Writer, serviceVersion string) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "rivet"),
		attribute.String("service.version", serviceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the rivet tracer from the global provider (a no-op until
// InitTracing is called).
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
