package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// isCollectorReachable checks if the OTLP collector port is reachable
func isCollectorReachable(endpoint string) bool {
	conn, err := net.DialTimeout("tcp", endpoint, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// initTelemetry initializes OpenTelemetry metrics export. The daemon
// keeps running without a collector; the returned shutdown function is
// always safe to call.
func initTelemetry(ctx context.Context, endpoint string) func() {
	noop := func() {}

	if endpoint == "" {
		return noop
	}

	if !isCollectorReachable(endpoint) {
		slog.Warn("OpenTelemetry collector is not healthy or not reachable", "endpoint", endpoint)
		return noop
	}

	grpcTransport := grpc.WithTransportCredentials(insecure.NewCredentials())
	grpcConn, err := grpc.NewClient(endpoint, grpcTransport)
	if err != nil {
		slog.Warn("failed to connect to OpenTelemetry collector", "error", err)
		return noop
	}

	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(grpcConn))
	if err != nil {
		slog.Warn("failed to create OTLP metric exporter", "error", err)
		return noop
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(newResource()),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Second)),
		),
	)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		slog.Warn("failed to start runtime instrumentation", "error", err)
	}

	return func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			slog.Warn("failed to shut down meter provider", "error", err)
		}
	}
}

func newResource() *resource.Resource {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("loopbackd"),
			semconv.ServiceVersion("0.1.0"),
		),
	)

	if err != nil {
		panic(err)
	}

	return res
}
