package tap

import (
	"context"
	"encoding/binary"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/elements-storage/AudioLoopback/internal/config"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the WAV sink configuration.
const (
	DefaultWAVConfigPath       = "loopback.wav"
	DefaultWAVConfigSampleRate = 44100
)

const wavBitDepth = 16

// WAVConfig contains the configuration for the WAV file sink.
type WAVConfig struct {
	// Path is the path of the output file. An existing file is
	// truncated.
	Path string

	// SampleRate is written into the WAV header.
	SampleRate int
}

// NewWAVConfig returns the default configuration for the WAV file sink.
func NewWAVConfig(path string) *WAVConfig {
	return &WAVConfig{
		Path:       path,
		SampleRate: DefaultWAVConfigSampleRate,
	}
}

// Validate checks the configuration.
func (c *WAVConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Path", &c.Path, DefaultWAVConfigPath)
	config.CheckNotLower(ac, "SampleRate", &c.SampleRate, 1)
}

////////////////
//  WAV SINK  //
////////////////

// WAVSink records the tap into a 16-bit PCM WAV file, converting the
// device's float32 samples on the way.
type WAVSink struct {
	cfg *WAVConfig

	file    *os.File
	encoder *wav.Encoder

	// samples is the conversion scratch buffer, reused across writes.
	samples []int
}

// NewWAVSink returns a WAV file sink. The file is created on Init.
func NewWAVSink(cfg *WAVConfig) *WAVSink {
	return &WAVSink{
		cfg: cfg,
	}
}

// Init creates the output file and its WAV header.
func (s *WAVSink) Init(_ context.Context) error {
	file, err := os.Create(s.cfg.Path)
	if err != nil {
		return err
	}

	s.file = file
	s.encoder = wav.NewEncoder(file, s.cfg.SampleRate, wavBitDepth, 2, 1)

	return nil
}

// Write appends one chunk to the file.
func (s *WAVSink) Write(chunk Chunk) error {
	sampleCount := int(chunk.Frames) * 2

	if cap(s.samples) < sampleCount {
		s.samples = make([]int, sampleCount)
	}
	s.samples = s.samples[:sampleCount]

	for i := range sampleCount {
		sample := math.Float32frombits(binary.NativeEndian.Uint32(chunk.Data[i*4:]))
		s.samples[i] = pcm16(sample)
	}

	return s.encoder.Write(&audio.IntBuffer{
		Data:           s.samples,
		Format:         &audio.Format{NumChannels: 2, SampleRate: s.cfg.SampleRate},
		SourceBitDepth: wavBitDepth,
	})
}

// Close finalizes the WAV header and closes the file.
func (s *WAVSink) Close() error {
	if s.encoder == nil {
		return nil
	}

	if err := s.encoder.Close(); err != nil {
		_ = s.file.Close()
		return err
	}

	return s.file.Close()
}

// pcm16 converts a float32 sample in [-1, 1] to a 16-bit PCM value,
// clamping out-of-range input.
func pcm16(sample float32) int {
	switch {
	case sample >= 1:
		return math.MaxInt16
	case sample <= -1:
		return math.MinInt16
	default:
		return int(sample * math.MaxInt16)
	}
}
