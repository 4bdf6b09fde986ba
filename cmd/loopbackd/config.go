package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// daemonConfig is the on-disk configuration. All fields are values so a
// reload can be diffed and copied with plain assignment.
type daemonConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint. Empty
	// disables metrics export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	Device   deviceSection `yaml:"device"`
	Playback bool          `yaml:"playback"`
	Tone     toneSection   `yaml:"tone"`
	Taps     tapSection    `yaml:"taps"`
}

type deviceSection struct {
	Name       string  `yaml:"name"`
	SampleRate float64 `yaml:"sample_rate"`
	RingFrames uint32  `yaml:"ring_frames"`

	VolumeControl bool `yaml:"volume_control"`
	MuteControl   bool `yaml:"mute_control"`

	Volume float32 `yaml:"volume"`
	Muted  bool    `yaml:"muted"`
}

type toneSection struct {
	Enabled   bool    `yaml:"enabled"`
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
}

type tapSection struct {
	ChunkFrames  uint32 `yaml:"chunk_frames"`
	BufferChunks uint32 `yaml:"buffer_chunks"`

	// WAVPath enables the WAV file sink when non-empty.
	WAVPath string `yaml:"wav_path"`

	// UDPAddr and UDPPort enable the UDP sink when the address is
	// non-empty.
	UDPAddr string `yaml:"udp_addr"`
	UDPPort uint16 `yaml:"udp_port"`
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		LogLevel: "info",

		Device: deviceSection{
			Name:       "loopback",
			SampleRate: 44100,
			RingFrames: 16384,

			VolumeControl: true,
			MuteControl:   true,

			Volume: 1,
		},

		Playback: true,

		Tone: toneSection{
			Frequency: 440,
			Amplitude: 0.5,
		},

		Taps: tapSection{
			ChunkFrames:  128,
			BufferChunks: 256,

			UDPPort: 20_000,
		},
	}
}

// loadConfig reads the configuration file over the defaults. A missing
// file yields the defaults.
func loadConfig(path string) (daemonConfig, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration file %q: %w", path, err)
	}

	return cfg, nil
}
