package tap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elements-storage/AudioLoopback/internal"
	"github.com/elements-storage/AudioLoopback/internal/config"
	"github.com/elements-storage/AudioLoopback/internal/ring"
)

const bytesPerFrame = 8

//////////////
//  CONFIG  //
//////////////

// Default values for the tap configuration.
const (
	DefaultTapChunkFrames  = 128
	DefaultTapBufferChunks = 256
	DefaultTapSampleRate   = 44100.0
)

// Config represents the configuration for a tap.
type Config struct {
	// ChunkFrames is the number of frames per chunk handed to sinks.
	ChunkFrames uint32

	// BufferChunks is the per-sink chunk buffer capacity, rounded up to
	// a power of two.
	BufferChunks uint32

	// SampleRate is the device's sample rate, used to pace the fetch
	// loop.
	SampleRate float64
}

// NewConfig returns the default configuration for a tap.
func NewConfig() *Config {
	return &Config{
		ChunkFrames:  DefaultTapChunkFrames,
		BufferChunks: DefaultTapBufferChunks,
		SampleRate:   DefaultTapSampleRate,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotZero(ac, "ChunkFrames", &c.ChunkFrames, uint32(DefaultTapChunkFrames))
	config.CheckNotZero(ac, "BufferChunks", &c.BufferChunks, uint32(DefaultTapBufferChunks))
	config.CheckPowerOfTwo(ac, "BufferChunks", &c.BufferChunks)
	config.CheckNotLower(ac, "SampleRate", &c.SampleRate, 1.0)
}

///////////
//  TAP  //
///////////

// FrameSource is where the tap pulls audio from. The loopback device
// satisfies it.
type FrameSource interface {
	FetchFrames(buf []byte, frameCount uint32, sampleTime ring.SampleTime) error
	RingTimeBounds() (start, end ring.SampleTime, err error)
}

// Tap copies audio out of a frame source and fans it out to sinks.
type Tap struct {
	tel *internal.Telemetry
	cfg *Config

	source FrameSource

	runners []*sinkRunner

	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool

	// cursor is the fetch loop's position on the device clock.
	cursor ring.SampleTime

	chunksFetched atomic.Int64
	framesSkipped atomic.Int64
}

// New returns a tap over the given source. Sinks are added before
// Start.
func New(cfg *Config, source FrameSource) *Tap {
	tel := internal.NewTelemetry("tap", "fetch")
	config.NewValidator(tel).Validate(cfg)

	t := &Tap{
		tel: tel,
		cfg: cfg,

		source: source,
	}

	tel.NewCounter("fetched_chunks", t.chunksFetched.Load)
	tel.NewCounter("skipped_frames", t.framesSkipped.Load)

	return t
}

// AddSink registers a sink under a name used for logs and metrics.
// Must be called before Start.
func (t *Tap) AddSink(name string, sink Sink) {
	t.runners = append(t.runners, newSinkRunner(name, sink, t.cfg.BufferChunks))
}

// Start initializes every sink and starts the fetch loop. Sinks that
// fail to initialize abort the start; already initialized ones are
// closed again.
func (t *Tap) Start(ctx context.Context) error {
	if t.started {
		return nil
	}

	for idx, runner := range t.runners {
		if err := runner.sink.Init(ctx); err != nil {
			for _, started := range t.runners[:idx] {
				_ = started.sink.Close()
			}

			return fmt.Errorf("tap: failed to init sink %q: %w", runner.name, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.started = true

	for _, runner := range t.runners {
		t.wg.Add(1)

		go func() {
			defer t.wg.Done()
			runner.run(runCtx)
		}()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.fetchLoop(runCtx)
	}()

	t.tel.LogInfo("tap started",
		"sinks", len(t.runners), "chunk_frames", t.cfg.ChunkFrames)

	return nil
}

// Stop drains and closes everything: the fetch loop first, then the
// sink buffers, so sinks still flush what they already received.
func (t *Tap) Stop() {
	if !t.started {
		return
	}
	t.started = false

	t.cancel()

	for _, runner := range t.runners {
		runner.close()
	}

	t.wg.Wait()

	for _, runner := range t.runners {
		if err := runner.sink.Close(); err != nil {
			t.tel.LogWarn("failed to close sink", "sink", runner.name, "error", err)
		}
	}

	t.tel.LogInfo("tap stopped")
}

// fetchLoop polls the ring at half a chunk period and copies every
// complete chunk between the cursor and the ring's end time.
func (t *Tap) fetchLoop(ctx context.Context) {
	interval := time.Duration(float64(t.cfg.ChunkFrames) / t.cfg.SampleRate * float64(time.Second) / 2)
	interval = max(interval, time.Millisecond)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			t.fetchAvailable()
		}
	}
}

func (t *Tap) fetchAvailable() {
	start, end, err := t.source.RingTimeBounds()
	if err != nil {
		return
	}

	// A cursor behind the ring's window means the producer lapped us;
	// the frames in between are gone.
	if t.cursor < start {
		t.framesSkipped.Add(int64(start - t.cursor))
		t.cursor = start
	}

	chunkFrames := ring.SampleTime(t.cfg.ChunkFrames)

	for t.cursor+chunkFrames <= end {
		chunk := Chunk{
			StartFrame: t.cursor,
			Frames:     t.cfg.ChunkFrames,

			Data: make([]byte, int(t.cfg.ChunkFrames)*bytesPerFrame),
		}

		if err := t.source.FetchFrames(chunk.Data, chunk.Frames, chunk.StartFrame); err != nil {
			return
		}

		for _, runner := range t.runners {
			runner.offer(chunk)
		}

		t.chunksFetched.Add(1)
		t.cursor += chunkFrames
	}
}
