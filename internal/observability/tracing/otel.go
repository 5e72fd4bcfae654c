// Package tracing installs the OpenTelemetry tracer provider used by the
// timeline binaries. Without a collector endpoint spans are still recorded
// so trace context flows into Kafka headers and the outbox.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceVersion = "1.0.0"

type settings struct {
	environment string
	endpoint    string
	sampleRate  float64
	exporter    sdktrace.SpanExporter
}

// Option customises Init.
type Option func(*settings)

func WithEnvironment(env string) Option {
	return func(s *settings) { s.environment = env }
}

// WithEndpoint sets the OTLP gRPC collector address.
func WithEndpoint(addr string) Option {
	return func(s *settings) { s.endpoint = addr }
}

// WithSampleRate sets the root sampling ratio. Values >= 1 sample
// everything; child spans follow their parent.
func WithSampleRate(rate float64) Option {
	return func(s *settings) { s.sampleRate = rate }
}

// WithExporter exports synchronously to e instead of a collector.
func WithExporter(e sdktrace.SpanExporter) Option {
	return func(s *settings) { s.exporter = e }
}

// Provider owns the installed tracer provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init builds a provider for service and installs it, together with the
// W3C trace-context and baggage propagators, as the global default.
func Init(ctx context.Context, service string, opts ...Option) (*Provider, error) {
	s := settings{environment: "development", sampleRate: 1}
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion(serviceVersion),
			semconv.DeploymentEnvironmentName(s.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(s.sampleRate)),
	}
	switch {
	case s.exporter != nil:
		tpOpts = append(tpOpts, sdktrace.WithSyncer(s.exporter))
	case s.endpoint != "":
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(s.endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
