// Package telemetry wires the OTLP/HTTP trace exporter. Tracing is off by
// default; set OTEL_ENABLED=true to ship pipeline stage spans.
package telemetry

import (
	"context"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Init returns a shutdown function to call on exit. When tracing is disabled
// or the exporter cannot be built the returned function is a no-op and the
// pipeline's spans go nowhere.
func Init(serviceName string) func(context.Context) error {
	if os.Getenv("OTEL_ENABLED") != "true" {
		return func(context.Context) error { return nil }
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		log.Printf("slr-review otlp exporter init failed: %v (tracing disabled)", err)
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	log.Printf("slr-review tracing enabled endpoint=%s", endpoint)
	return tp.Shutdown
}
