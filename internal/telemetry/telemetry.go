package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/gradientsaas/gradient-chat/internal/logging"
)

const instrumentationName = "github.com/gradientsaas/gradient-chat"

// Config selects whether spans and metrics are exported and where the export files live.
type Config struct {
	Enabled        bool
	Dir            string
	ServiceName    string
	ServiceVersion string
	MetricInterval time.Duration
}

// Providers exposes the tracer and meter used by the relay.
type Providers struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown []func(context.Context) error
}

// Shutdown flushes pending spans and metrics and closes export files.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop returns providers that record nothing.
func Noop() *Providers {
	return &Providers{
		Tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
		Meter:  metricnoop.NewMeterProvider().Meter(instrumentationName),
	}
}

// Setup installs global tracer and meter providers exporting to rotated files under cfg.Dir.
// When cfg.Enabled is false it returns Noop providers.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "chatd"
	}
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "logs"
	}
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceFile, err := logging.NewWriter(filepath.Join(dir, name+"_traces.log"), logging.Options{MaxSizeMB: 10, MaxBackups: 3, Compress: true})
	if err != nil {
		return nil, fmt.Errorf("telemetry: open trace file: %w", err)
	}
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		_ = traceFile.Close()
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricsFile, err := logging.NewWriter(filepath.Join(dir, name+"_metrics.log"), logging.Options{MaxSizeMB: 10, MaxBackups: 3, Compress: true})
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = traceFile.Close()
		return nil, fmt.Errorf("telemetry: open metrics file: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = traceFile.Close()
		_ = metricsFile.Close()
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{
		Tracer: tp.Tracer(instrumentationName),
		Meter:  mp.Meter(instrumentationName),
		shutdown: []func(context.Context) error{
			tp.Shutdown,
			mp.Shutdown,
			closer(traceFile),
			closer(metricsFile),
		},
	}, nil
}

func closer(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
