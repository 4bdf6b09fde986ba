// Package tap drains a loopback device's ring buffer into off-path
// consumers (file recorders, network streams) without ever touching the
// real-time IO cycle. A single fetch loop copies audio chunks out of
// the ring and fans each one out to every sink through a dedicated
// single-producer/single-consumer buffer; a slow sink drops chunks, it
// never backpressures the loop.
package tap

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/elements-storage/AudioLoopback/internal"
	"github.com/elements-storage/AudioLoopback/internal/rb"
	"github.com/elements-storage/AudioLoopback/internal/ring"
)

/////////////
//  CHUNK  //
/////////////

// Chunk is a block of interleaved stereo float32 audio copied out of
// the device ring. Sinks must treat Data as read-only: the same backing
// slice fans out to every sink.
type Chunk struct {
	// StartFrame is the chunk's position on the device clock.
	StartFrame ring.SampleTime

	// Frames is the number of frames in Data.
	Frames uint32

	// Data holds Frames * 8 bytes of audio.
	Data []byte
}

////////////
//  SINK  //
////////////

// Sink consumes audio chunks. All methods are called from the sink's
// own goroutine, in order, so implementations need no locking.
type Sink interface {
	// Init prepares the sink for writing.
	Init(ctx context.Context) error

	// Write consumes one chunk. Chunks arrive in device clock order,
	// but not gap-free: a chunk may have been dropped before it.
	Write(chunk Chunk) error

	// Close flushes and releases the sink.
	Close() error
}

///////////////////
//  SINK RUNNER  //
///////////////////

// sinkRunner pairs a sink with its chunk buffer and drains one into the
// other.
type sinkRunner struct {
	tel *internal.Telemetry

	name string
	sink Sink

	buffer *rb.RingBuffer[Chunk]

	delivered   atomic.Int64
	dropped     atomic.Int64
	writeErrors atomic.Int64
}

func newSinkRunner(name string, sink Sink, bufferChunks uint32) *sinkRunner {
	sr := &sinkRunner{
		tel: internal.NewTelemetry("tap_sink", name),

		name: name,
		sink: sink,

		buffer: rb.NewRingBuffer[Chunk](bufferChunks),
	}

	sr.tel.NewCounter("delivered_chunks", sr.delivered.Load)
	sr.tel.NewCounter("dropped_chunks", sr.dropped.Load)
	sr.tel.NewCounter("write_errors", sr.writeErrors.Load)

	return sr
}

// offer hands the runner a chunk without blocking. A full buffer means
// the sink is too slow and the chunk is dropped.
func (sr *sinkRunner) offer(chunk Chunk) {
	if !sr.buffer.TryWrite(chunk) {
		sr.dropped.Add(1)
	}
}

// run drains the buffer into the sink until the buffer closes or the
// context expires.
func (sr *sinkRunner) run(ctx context.Context) {
	for {
		chunk, err := sr.buffer.Read(ctx)
		if err != nil {
			if !errors.Is(err, rb.ErrClosed) && !errors.Is(err, context.Canceled) {
				sr.tel.LogWarn("stopped reading chunks", "error", err)
			}
			return
		}

		if err := sr.sink.Write(chunk); err != nil {
			sr.writeErrors.Add(1)
			sr.tel.LogWarn("failed to write chunk", "error", err)
			continue
		}

		sr.delivered.Add(1)
	}
}

func (sr *sinkRunner) close() {
	sr.buffer.Close()
}
