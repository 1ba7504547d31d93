// Package tracing wires distributed tracing across the pipeline stages
// using OpenTelemetry with an OTLP/gRPC exporter, adapted from the
// teacher's observability provider down to the tracing half — the
// gateway's /metrics surface is Prometheus (pkg/metrics), not an OTel
// metric pipeline, so no meter provider is started here.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the OTLP exporter and sampling behavior.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"; empty disables tracing
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "whydecision-gateway"
	}
	return c
}

// Provider owns the tracer provider's lifecycle. A nil *Provider is a
// valid no-op: StartSpan falls back to the global tracer (a no-op
// unless a tracer provider was registered) so callers never need a
// nil check.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New starts the OTLP/gRPC trace exporter and registers it as the
// global tracer provider. Returns a Provider with no exporter when
// cfg.OTLPEndpoint is empty, so tracing is opt-in via configuration.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.withDefaults()
	if cfg.OTLPEndpoint == "" {
		return &Provider{tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource merge failed: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: exporter init failed: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Provider{tracerProvider: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Shutdown flushes and stops the exporter. Safe to call on a no-op Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// StartSpan starts a child span under name. On a no-op Provider this
// still produces a valid (non-recording) span, so call sites never
// need to special-case tracing being disabled.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := otel.Tracer("whydecision-gateway")
	if p != nil && p.tracer != nil {
		tracer = p.tracer
	}
	return tracer.Start(ctx, name)
}
