// Package observability provides OpenTelemetry-based tracing and metrics for
// the runtime: OTLP export, RED metrics on the step and effect paths, and a
// slog logger wired with the service attributes.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool // dev only
	LogLevel       string
}

// DefaultConfig returns dev-friendly defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agent-os",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		LogLevel:       "INFO",
	}
}

// Provider manages the trace and metric providers plus the runtime's core
// counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventsIngested    metric.Int64Counter
	reductions        metric.Int64Counter
	reductionFailures metric.Int64Counter
	effectsDispatched metric.Int64Counter
	receiptsRouted    metric.Int64Counter
	stepDuration      metric.Float64Histogram
}

// New creates an observability provider. With Enabled=false only the logger
// is wired; all record methods stay safe no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: newLogger(config.LogLevel).With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("aos.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer("agent-os/kernel")
	p.meter = p.meterProvider.Meter("agent-os/kernel")
	if err := p.buildInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) buildInstruments() error {
	var err error
	if p.eventsIngested, err = p.meter.Int64Counter("aos.events.ingested",
		metric.WithDescription("External events stamped and journaled")); err != nil {
		return err
	}
	if p.reductions, err = p.meter.Int64Counter("aos.reductions.total",
		metric.WithDescription("Reducer invocations")); err != nil {
		return err
	}
	if p.reductionFailures, err = p.meter.Int64Counter("aos.reductions.failed",
		metric.WithDescription("Contained module failures")); err != nil {
		return err
	}
	if p.effectsDispatched, err = p.meter.Int64Counter("aos.effects.dispatched",
		metric.WithDescription("Intents handed to adapters")); err != nil {
		return err
	}
	if p.receiptsRouted, err = p.meter.Int64Counter("aos.receipts.routed",
		metric.WithDescription("Receipts routed back to reducers")); err != nil {
		return err
	}
	if p.stepDuration, err = p.meter.Float64Histogram("aos.step.duration",
		metric.WithDescription("Reduction wall time"), metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

// Logger returns the configured slog logger.
func (p *Provider) Logger() *slog.Logger { return p.logger }

// RecordEventIngested counts one stamped external event.
func (p *Provider) RecordEventIngested(ctx context.Context, schema string) {
	if p.eventsIngested != nil {
		p.eventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("schema", schema)))
	}
}

// RecordReduction counts one reducer invocation with its duration.
func (p *Provider) RecordReduction(ctx context.Context, module string, d time.Duration, failed bool) {
	attrs := metric.WithAttributes(attribute.String("module", module))
	if p.reductions != nil {
		p.reductions.Add(ctx, 1, attrs)
	}
	if failed && p.reductionFailures != nil {
		p.reductionFailures.Add(ctx, 1, attrs)
	}
	if p.stepDuration != nil {
		p.stepDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

// RecordEffectDispatched counts one adapter dispatch.
func (p *Provider) RecordEffectDispatched(ctx context.Context, kind string) {
	if p.effectsDispatched != nil {
		p.effectsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordReceiptRouted counts one routed receipt.
func (p *Provider) RecordReceiptRouted(ctx context.Context, status string) {
	if p.receiptsRouted != nil {
		p.receiptsRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newLogger builds a text slog logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// NewLogger exposes the runtime's logger construction for hosts and tools.
func NewLogger(level string) *slog.Logger {
	return newLogger(level)
}
