// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires the kernel's observability: OpenTelemetry
// trace and metric providers, the kernel instrument set, and slog
// output correlated with active spans.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/loomworks/loom/pkg/config"
)

// ShutdownFunc flushes buffered telemetry and releases the providers.
type ShutdownFunc func(context.Context) error

const (
	spanBatchTimeout     = time.Second
	metricExportInterval = time.Minute
)

// Init installs global tracer and meter providers per the kernel's
// telemetry configuration and returns the flush hook the kernel
// invokes during shutdown, after turns have drained.
func Init(serviceName, version string, cfg config.TelemetryConfig) (ShutdownFunc, error) {
	spanExporter, metricExporter, err := newExporters(cfg)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.New(context.Background(), sdkresource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(spanBatchTimeout)),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(metricExportInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		spanErr := tp.Shutdown(ctx)
		metricErr := mp.Shutdown(ctx)
		if spanErr != nil || metricErr != nil {
			return fmt.Errorf("telemetry shutdown: spans %v, metrics %v", spanErr, metricErr)
		}
		return nil
	}, nil
}

// newExporters builds the span and metric exporter pair for the
// configured backend. The empty exporter name means stdout so a bare
// telemetry.enabled works without further configuration.
func newExporters(cfg config.TelemetryConfig) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("stdout span exporter: %w", err)
		}
		metrics, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		return spans, metrics, nil

	case "otlp":
		if cfg.Endpoint == "" {
			return nil, nil, fmt.Errorf("telemetry.endpoint is required for the otlp exporter")
		}
		spanOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			spanOpts = append(spanOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		spans, err := otlptracegrpc.New(context.Background(), spanOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp span exporter: %w", err)
		}
		metrics, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		return spans, metrics, nil

	default:
		return nil, nil, fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
	}
}
