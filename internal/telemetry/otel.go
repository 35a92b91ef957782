// Package telemetry installs the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	metricInterval = time.Minute
	spanBatchDelay = 5 * time.Second
)

// Setup installs trace, meter and logger providers for the execution spans,
// the duration histogram and the execution records of the service. The
// returned function flushes and stops all of them.
func Setup(ctx context.Context, opts ...Option) (func(context.Context) error, error) {
	o := &options{serviceName: "heat"}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.fillExporters(); err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(o.serviceName),
		semconv.ServiceVersion(o.version),
		semconv.ServiceInstanceID(o.instanceId),
		semconv.ServiceNamespace(o.ns),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(o.traceExporter, sdktrace.WithBatchTimeout(spanBatchDelay)),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(o.metricExporter,
			sdkmetric.WithInterval(metricInterval))),
		sdkmetric.WithResource(res),
	)
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(o.logExporter)),
		sdklog.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	stops := []func(context.Context) error{tp.Shutdown, mp.Shutdown, lp.Shutdown}
	return func(ctx context.Context) error {
		var err error
		for _, stop := range stops {
			err = errors.Join(err, stop(ctx))
		}
		// providers are stopped once
		stops = nil
		return err
	}, nil
}

// fillExporters defaults every exporter that was not set to stdout.
func (o *options) fillExporters() error {
	var err error
	if o.traceExporter == nil {
		if o.traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil {
			return err
		}
	}
	if o.metricExporter == nil {
		if o.metricExporter, err = stdoutmetric.New(); err != nil {
			return err
		}
	}
	if o.logExporter == nil {
		if o.logExporter, err = stdoutlog.New(); err != nil {
			return err
		}
	}
	return nil
}
