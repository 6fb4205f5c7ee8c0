// Package telemetry wires OpenTelemetry tracing for the offline proxy.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the trace exporter. Tracing is off unless Endpoint is set.
type Config struct {
	Endpoint string `toml:"endpoint" env:"MWSOFFLINE_OTEL_ENDPOINT"`
	Disabled bool   `toml:"disabled" env:"MWSOFFLINE_OTEL_DISABLED"`
}

// Enabled reports whether Setup would register a provider.
func (c Config) Enabled() bool {
	return !c.Disabled && c.Endpoint != ""
}

// Setup initialises OpenTelemetry tracing for the given service.
//
// When tracing is not enabled Setup returns a no-op shutdown function and
// no global provider is registered, so spans started by the offline core
// are dropped.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
