// Package loopback provides the main entrypoint for the AudioLoopback
// library. It assembles a virtual loopback device, its host-facing
// driver boundary, an optional hardware playback engine and an optional
// audio tap into one unit with a single lifecycle.
package loopback

import (
	"context"
	"fmt"

	"github.com/elements-storage/AudioLoopback/clients"
	"github.com/elements-storage/AudioLoopback/device"
	"github.com/elements-storage/AudioLoopback/driver"
	"github.com/elements-storage/AudioLoopback/internal/hw"
	"github.com/elements-storage/AudioLoopback/internal/ring"
	"github.com/elements-storage/AudioLoopback/tap"
)

// Client represents an application registered with the device.
type Client = clients.Client

// SampleTime is a position on the device's sample clock.
type SampleTime = ring.SampleTime

// NewClient returns a client record with default settings.
func NewClient(id uint32, processID int32, bundleID string, isNativeEndian bool) Client {
	return clients.NewClient(id, processID, bundleID, isNativeEndian)
}

// Status represents a driver boundary status code.
type Status = driver.Status

// Config represents the configuration for a loopback unit.
type Config struct {
	// Device is the loopback device configuration.
	Device *device.Config

	// Playback attaches a hardware playback engine so the ring's
	// contents are audible on the default output.
	Playback bool

	// Tap enables the audio tap when non-nil. Sinks are added with
	// AddTapSink before Start.
	Tap *tap.Config
}

// NewConfig returns the default configuration for a loopback unit.
func NewConfig() *Config {
	return &Config{
		Device: device.NewConfig(),
	}
}

// Loopback is an assembled loopback unit. It is the entrypoint for
// hosts driving the device through the driver boundary.
type Loopback struct {
	cfg *Config

	dev      *device.Device
	drv      *driver.Registry
	deviceID uint32

	engine *hw.Engine
	tap    *tap.Tap

	isRunning bool
}

// New builds a loopback unit. The device is created immediately but
// stays inactive until Start.
func New(cfg *Config) (*Loopback, error) {
	dev := device.New(cfg.Device)

	l := &Loopback{
		cfg: cfg,

		dev: dev,
		drv: driver.NewRegistry(),
	}

	if cfg.Playback {
		hwCfg := hw.NewConfig()
		hwCfg.SampleRate = cfg.Device.SampleRate

		engine, err := hw.NewEngine(hwCfg, dev)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("loopback: failed to init playback engine: %w", err)
		}

		l.engine = engine
		dev.SetAudioEngine(engine)
	}

	if cfg.Tap != nil {
		l.tap = tap.New(cfg.Tap, dev)
	}

	// The unit is its own host for config changes: a requested change is
	// committed as soon as the device asks for it.
	l.deviceID = l.drv.AddDevice(dev)
	dev.SetConfigChangeHandler(func(action device.ChangeAction) {
		l.drv.PerformConfigChange(l.deviceID, action)
	})

	return l, nil
}

// SetPropertyListener registers the host's property notification
// listener. Must be called before Start.
func (l *Loopback) SetPropertyListener(listener device.PropertyListener) {
	l.dev.SetPropertyListener(listener)
}

// AddTapSink registers a tap sink under a name used for logs and
// metrics. Must be called before Start.
func (l *Loopback) AddTapSink(name string, sink tap.Sink) {
	if l.tap == nil {
		return
	}

	l.tap.AddSink(name, sink)
}

// Start activates the device and starts the tap.
func (l *Loopback) Start(ctx context.Context) error {
	if err := l.dev.Activate(); err != nil {
		return err
	}

	if l.tap != nil {
		if err := l.tap.Start(ctx); err != nil {
			l.dev.Deactivate()
			return err
		}
	}

	l.isRunning = true

	return nil
}

// Close stops the tap, the device and the playback engine.
// It blocks until everything is shut down.
func (l *Loopback) Close() {
	if l.tap != nil && l.isRunning {
		l.tap.Stop()
	}

	l.drv.RemoveDevice(l.deviceID)
	l.dev.Close()

	if l.engine != nil {
		l.engine.Close()
	}

	l.isRunning = false
}

// Device returns the underlying loopback device.
func (l *Loopback) Device() *device.Device {
	return l.dev
}

// Driver returns the host-facing driver boundary.
func (l *Loopback) Driver() *driver.Registry {
	return l.drv
}

// DeviceID returns the device's id on the driver boundary.
func (l *Loopback) DeviceID() uint32 {
	return l.deviceID
}
