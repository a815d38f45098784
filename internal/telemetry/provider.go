// Package telemetry wires OpenTelemetry tracing and metrics export and the
// trace-aware slog handlers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Version is reported as service.version on every span and metric.
const Version = "0.1.0"

// ErrNoEndpoint is returned by InitProvider when no collector is configured.
var ErrNoEndpoint = errors.New("no OTLP endpoint configured")

// Options configures InitProvider.
type Options struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	// Mode is the bootstrap mode, recorded as a resource attribute so traces
	// from different profiles can be told apart.
	Mode string
	// SampleRatio is the fraction of root spans kept. Zero or >= 1 keeps all.
	SampleRatio float64
	// ExportInterval defaults to 10s.
	ExportInterval time.Duration
}

func (o Options) sampler() sdktrace.Sampler {
	if o.SampleRatio <= 0 || o.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))
}

func (o Options) resourceAttrs() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(o.ServiceName),
		semconv.ServiceVersion(Version),
		semconv.ServiceNamespace("starrynight"),
	}
	if o.Mode != "" {
		attrs = append(attrs, attribute.String("starrynight.mode", o.Mode))
	}
	return attrs
}

// Provider owns the exporters installed by InitProvider.
type Provider struct {
	conn *grpc.ClientConn
	tp   *sdktrace.TracerProvider
	mp   *sdkmetric.MeterProvider
}

// InitProvider installs global trace and meter providers that export over a
// single OTLP gRPC connection. The connection is lazy, so a collector that is
// down does not block startup.
func InitProvider(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	interval := opts.ExportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(opts.resourceAttrs()...),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("building OTEL resource: %w", err)
	}

	var dialOpts []grpc.DialOption
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for OTEL: %w", err)
	}
	p := &Provider{conn: conn}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.sampler()),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		slog.Warn("otel export error", "err", err)
	}))

	return p, nil
}

// Shutdown flushes pending spans and metrics, then closes the connection.
// Only the connection close error is returned. Safe on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.mp != nil {
		_ = p.mp.Shutdown(ctx)
	}
	if p.tp != nil {
		_ = p.tp.Shutdown(ctx)
	}
	return p.conn.Close()
}
