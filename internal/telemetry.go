// Package internal contains the shared telemetry wrapper used by every
// component of the driver. It binds a slog logger and an OpenTelemetry
// meter together so components only carry one handle.
package internal

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterScope = "github.com/elements-storage/AudioLoopback"

// Telemetry wraps a component-scoped logger and meter.
type Telemetry struct {
	logger *slog.Logger
	meter  metric.Meter

	prefix string
}

// NewTelemetry returns a new telemetry handle scoped to a component
// (e.g. "device") and an instance name (e.g. "loopback").
func NewTelemetry(component, name string) *Telemetry {
	return &Telemetry{
		logger: slog.Default().With("component", component, "name", name),
		meter:  otel.Meter(meterScope + "/" + component),

		prefix: component + "_",
	}
}

// LogDebug logs a message at debug level.
// It must never be called from a real-time context.
func (t *Telemetry) LogDebug(msg string, args ...any) {
	t.logger.Debug(msg, args...)
}

// LogInfo logs a message at info level.
func (t *Telemetry) LogInfo(msg string, args ...any) {
	t.logger.Info(msg, args...)
}

// LogWarn logs a message at warn level.
func (t *Telemetry) LogWarn(msg string, args ...any) {
	t.logger.Warn(msg, args...)
}

// LogError logs a message and an error at error level.
func (t *Telemetry) LogError(msg string, err error, args ...any) {
	t.logger.Error(msg, append([]any{"error", err}, args...)...)
}

// NewCounter registers an observable monotonic counter backed by the
// given callback.
func (t *Telemetry) NewCounter(name string, callback func() int64, opts ...metric.Int64ObservableCounterOption) {
	counter, err := t.meter.Int64ObservableCounter(t.prefix+name, opts...)
	if err != nil {
		t.LogError("failed to create counter", err, "metric", name)
		return
	}

	_, err = t.meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(counter, callback())
			return nil
		},
		counter,
	)
	if err != nil {
		t.LogError("failed to register counter callback", err, "metric", name)
	}
}

// NewUpDownCounter registers an observable up/down counter backed by the
// given callback.
func (t *Telemetry) NewUpDownCounter(name string, callback func() int64, opts ...metric.Int64ObservableUpDownCounterOption) {
	counter, err := t.meter.Int64ObservableUpDownCounter(t.prefix+name, opts...)
	if err != nil {
		t.LogError("failed to create up/down counter", err, "metric", name)
		return
	}

	_, err = t.meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(counter, callback())
			return nil
		},
		counter,
	)
	if err != nil {
		t.LogError("failed to register up/down counter callback", err, "metric", name)
	}
}

// Histogram is a synchronous int64 histogram.
// A nil histogram records nothing, so callers don't have to guard
// against failed instrument creation.
type Histogram struct {
	histogram metric.Int64Histogram
}

// NewHistogram creates a new histogram.
func (t *Telemetry) NewHistogram(name string, opts ...metric.Int64HistogramOption) *Histogram {
	histogram, err := t.meter.Int64Histogram(t.prefix+name, opts...)
	if err != nil {
		t.LogError("failed to create histogram", err, "metric", name)
		return &Histogram{}
	}

	return &Histogram{histogram: histogram}
}

// Record records a value.
func (h *Histogram) Record(ctx context.Context, value int64) {
	if h.histogram == nil {
		return
	}

	h.histogram.Record(ctx, value)
}
