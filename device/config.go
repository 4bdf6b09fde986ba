package device

import "github.com/elements-storage/AudioLoopback/internal/config"

// Default configuration values for a loopback device.
const (
	DefaultSampleRate = 44100.0
	DefaultRingFrames = 16384
)

// Fixed stream format: interleaved stereo float32.
const (
	ChannelCount   = 2
	BytesPerFrame  = ChannelCount * bytesPerSample
	bytesPerSample = 4
)

// Config represents the configuration for a loopback device.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name string

	// SampleRate is the initial nominal sample rate in Hz.
	SampleRate float64

	// RingFrames is the ring buffer capacity in frames. Must be a
	// power of two; validation rounds it up if it isn't.
	RingFrames uint32

	// VolumeControlEnabled enables the output volume control.
	VolumeControlEnabled bool

	// MuteControlEnabled enables the output mute control.
	MuteControlEnabled bool
}

// NewConfig returns the default configuration for a loopback device.
func NewConfig() *Config {
	return &Config{
		Name: "loopback",

		SampleRate: DefaultSampleRate,
		RingFrames: DefaultRingFrames,

		VolumeControlEnabled: true,
		MuteControlEnabled:   true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Name", &c.Name, "loopback")
	config.CheckNotLower(ac, "SampleRate", &c.SampleRate, 1.0)
	config.CheckNotZero(ac, "RingFrames", &c.RingFrames, uint32(DefaultRingFrames))
	config.CheckPowerOfTwo(ac, "RingFrames", &c.RingFrames)
}
