// Package hw adapts real audio hardware, through miniaudio, to the
// device engine's hardware abstraction. The engine plays the loopback
// ring's contents on a physical output so the virtual device can stand
// in front of real speakers.
package hw

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/elements-storage/AudioLoopback/internal"
	"github.com/elements-storage/AudioLoopback/internal/config"
	"github.com/elements-storage/AudioLoopback/internal/ring"
)

// ErrEngineClosed is returned when starting an engine whose context has
// been released.
var ErrEngineClosed = errors.New("hw: engine closed")

const bytesPerFrame = 8

// FrameSource is where the engine pulls audio from. The loopback device
// satisfies it.
type FrameSource interface {
	// FetchFrames copies frameCount interleaved stereo float32 frames
	// starting at sampleTime into buf, zero-filling whatever is not
	// available.
	FetchFrames(buf []byte, frameCount uint32, sampleTime ring.SampleTime) error

	// RingTimeBounds returns the source's valid sample time window.
	RingTimeBounds() (start, end ring.SampleTime, err error)
}

// Config represents the configuration for the playback engine.
type Config struct {
	// SampleRate is the playback rate in Hz.
	SampleRate float64
}

// NewConfig returns the default configuration for the playback engine.
func NewConfig() *Config {
	return &Config{
		SampleRate: 44100,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotLower(ac, "SampleRate", &c.SampleRate, 1.0)
}

// Engine is a miniaudio playback device implementing the loopback
// device's hardware abstraction. Start and Stop follow the device's
// client transitions; SetSampleRate is only called between a config
// change request and the host resuming IO, so it never races a running
// callback.
type Engine struct {
	tel *internal.Telemetry

	source FrameSource

	ctx *malgo.AllocatedContext

	mutex      sync.Mutex
	sampleRate float64
	playback   *malgo.Device
	closed     bool

	// readTime is the playback cursor on the ring's clock. Only touched
	// by the data callback while the device runs.
	readTime ring.SampleTime

	framesPlayed  atomic.Int64
	fetchFailures atomic.Int64
}

// NewEngine initializes the audio backend. The engine owns the context
// until Close.
func NewEngine(cfg *Config, source FrameSource) (*Engine, error) {
	tel := internal.NewTelemetry("hw", "playback")
	config.NewValidator(tel).Validate(cfg)

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		tel.LogDebug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		tel: tel,

		source: source,

		ctx: ctx,

		sampleRate: cfg.SampleRate,
	}

	tel.NewCounter("frames_played", e.framesPlayed.Load)
	tel.NewCounter("fetch_failures", e.fetchFailures.Load)

	return e, nil
}

// Start brings the playback device up at the current sample rate.
func (e *Engine) Start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	if e.playback != nil {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 2
	deviceConfig.SampleRate = uint32(e.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	e.readTime = -1

	playback, err := malgo.InitDevice(e.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: e.onPlaybackFrames,
	})
	if err != nil {
		return err
	}

	if err := playback.Start(); err != nil {
		playback.Uninit()
		return err
	}

	e.playback = playback
	e.tel.LogInfo("playback started", "sample_rate", e.sampleRate)

	return nil
}

// Stop tears the playback device down.
func (e *Engine) Stop() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.stopLocked()

	return nil
}

func (e *Engine) stopLocked() {
	if e.playback == nil {
		return
	}

	if err := e.playback.Stop(); err != nil {
		e.tel.LogWarn("failed to stop playback device", "error", err)
	}

	e.playback.Uninit()
	e.playback = nil

	e.tel.LogInfo("playback stopped")
}

// SetSampleRate stores the new rate; it takes effect on the next Start.
// A device still running is stopped first, since the host has paused IO
// around the change anyway.
func (e *Engine) SetSampleRate(rate float64) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.stopLocked()
	e.sampleRate = rate

	return nil
}

// Close stops playback and releases the audio backend.
func (e *Engine) Close() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return
	}

	e.stopLocked()
	e.closed = true

	if err := e.ctx.Uninit(); err != nil {
		e.tel.LogWarn("failed to release audio context", "error", err)
	}
	e.ctx.Free()
}

// onPlaybackFrames feeds the hardware from the ring. Runs on the audio
// backend's real-time thread: no locks beyond the source's IO mutex, no
// allocation, no logging.
func (e *Engine) onPlaybackFrames(out, _ []byte, frameCount uint32) {
	if len(out) < int(frameCount)*bytesPerFrame {
		return
	}

	start, end, err := e.source.RingTimeBounds()
	if err != nil {
		e.fetchFailures.Add(1)
		return
	}

	// Anchor the cursor on the first callback and whenever playback
	// falls behind the ring's window.
	if e.readTime < start {
		e.readTime = start
	}
	if e.readTime > end {
		e.readTime = end
	}

	if err := e.source.FetchFrames(out, frameCount, e.readTime); err != nil {
		e.fetchFailures.Add(1)
		clear(out[:int(frameCount)*bytesPerFrame])
	}

	e.readTime += ring.SampleTime(frameCount)
	e.framesPlayed.Add(int64(frameCount))
}
