// Package ring implements the time-indexed audio sample ring buffer at
// the heart of the loopback device. A single real-time producer stores
// frames at monotonically non-decreasing sample times and a real-time
// consumer fetches them back, without locks on either side. Consistency
// of the valid time window rests on the sequence lock in time_bounds.go.
package ring

import (
	"errors"
	"math/bits"

	"golang.org/x/sys/cpu"
)

// SampleTime is a logical frame index on the device's sample clock.
type SampleTime = int64

var (
	// ErrTooMuch is returned when a single store exceeds the buffer
	// capacity, or a fetch spans strictly more than the valid window.
	ErrTooMuch = errors.New("ring: request wider than the buffer")

	// ErrCPUOverload is returned when the reader could not capture a
	// consistent snapshot of the time bounds within its retry budget.
	// Callers must treat it as transient and substitute silence.
	ErrCPUOverload = errors.New("ring: time bounds reader starved")
)

// Buffer is a fixed-capacity circular store of time-stamped audio frames.
// Frame-to-slot mapping is a bitmask, so the capacity is always rounded
// up to a power of two.
//
// The zero value is unallocated; call Allocate before use.
type Buffer struct {
	channels      [][]byte
	backing       []byte
	bytesPerFrame uint32

	capacityFrames uint32
	capacityMask   uint32
	capacityBytes  uint32

	_ cpu.CacheLinePad

	bounds timeBounds
}

// Allocate configures the buffer for the given geometry, releasing any
// previous allocation. capacityFrames is rounded up to the next power of
// two. Each channel gets its own contiguous region carved out of a single
// backing block.
func (b *Buffer) Allocate(channelCount int, bytesPerFrame, capacityFrames uint32) {
	b.Deallocate()

	capacityFrames = roundToPowerOf2(capacityFrames)

	b.bytesPerFrame = bytesPerFrame
	b.capacityFrames = capacityFrames
	b.capacityMask = capacityFrames - 1
	b.capacityBytes = bytesPerFrame * capacityFrames

	b.backing = make([]byte, int(b.capacityBytes)*channelCount)
	b.channels = make([][]byte, channelCount)
	for ch := range channelCount {
		b.channels[ch] = b.backing[ch*int(b.capacityBytes) : (ch+1)*int(b.capacityBytes)]
	}
}

// Deallocate releases the sample storage and resets the time bounds to
// an empty window. The buffer can be re-allocated afterwards.
func (b *Buffer) Deallocate() {
	b.channels = nil
	b.backing = nil
	b.bytesPerFrame = 0
	b.capacityFrames = 0
	b.capacityMask = 0
	b.capacityBytes = 0

	b.bounds.reset()
}

// CapacityFrames returns the effective (rounded) capacity in frames.
func (b *Buffer) CapacityFrames() uint32 {
	return b.capacityFrames
}

// frameOffset maps a sample time to a byte offset within a channel.
func (b *Buffer) frameOffset(frameNumber SampleTime) uint32 {
	return uint32(frameNumber&SampleTime(b.capacityMask)) * b.bytesPerFrame
}

// Store copies frameCount frames from data (one slice per channel) into
// the ring at sample time startFrame. Sample times must not decrease
// between calls; a gap since the previous end time is filled with
// silence, and a gap wider than the capacity empties the buffer before
// the new data is written. Only the producer may call Store.
func (b *Buffer) Store(data [][]byte, frameCount uint32, startFrame SampleTime) error {
	if frameCount == 0 {
		return nil
	}

	if frameCount > b.capacityFrames {
		return ErrTooMuch
	}

	endFrame := startFrame + SampleTime(frameCount)

	if startFrame < b.bounds.end() {
		// Going backwards: throw out everything we have.
		b.bounds.set(startFrame, startFrame)
	} else if endFrame-b.bounds.start() > SampleTime(b.capacityFrames) {
		// Advance the start time past the region we are about to
		// overwrite. A gap wider than the capacity collapses the window
		// to empty here.
		newStart := endFrame - SampleTime(b.capacityFrames)
		newEnd := max(newStart, b.bounds.end())
		b.bounds.set(newStart, newEnd)
	}

	var offset0 uint32

	if curEnd := b.bounds.end(); startFrame > curEnd {
		// Skipping samples: the skipped range reads back as silence.
		offset0 = b.frameOffset(curEnd)
		offset1 := b.frameOffset(startFrame)

		if offset0 < offset1 {
			b.zeroRange(offset0, offset1-offset0)
		} else {
			b.zeroRange(offset0, b.capacityBytes-offset0)
			b.zeroRange(0, offset1)
		}

		offset0 = offset1
	} else {
		offset0 = b.frameOffset(startFrame)
	}

	offset1 := b.frameOffset(endFrame)

	if offset0 < offset1 {
		b.storeAt(data, offset0, 0, offset1-offset0)
	} else {
		wrapBytes := b.capacityBytes - offset0
		b.storeAt(data, offset0, 0, wrapBytes)
		b.storeAt(data, 0, wrapBytes, offset1)
	}

	// Publish the new end time.
	b.bounds.set(b.bounds.start(), endFrame)

	return nil
}

// Fetch copies frameCount frames starting at startFrame into data (one
// slice per channel). The requested range is clipped to the valid time
// window; anything outside it is zero-filled. Returns ErrTooMuch when
// the request starts before the oldest retained frame and ends after the
// newest one, and ErrCPUOverload when a consistent window could not be
// read.
func (b *Buffer) Fetch(data [][]byte, frameCount uint32, startFrame SampleTime) error {
	if frameCount == 0 {
		return nil
	}

	requestedStart := startFrame
	requestedEnd := startFrame + SampleTime(frameCount)

	startRead, endRead, err := b.clipTimeBounds(requestedStart, requestedEnd)
	if err != nil {
		return err
	}

	if startRead == endRead {
		b.zeroDest(data, 0, frameCount*b.bytesPerFrame)
		return nil
	}

	byteSize := uint32(endRead-startRead) * b.bytesPerFrame

	// Silence for the clipped head and tail of the request.
	destStartOffset := uint32(0)
	if startRead > requestedStart {
		destStartOffset = uint32(startRead-requestedStart) * b.bytesPerFrame
		b.zeroDest(data, 0, min(frameCount*b.bytesPerFrame, destStartOffset))
	}

	if tailFrames := requestedEnd - endRead; tailFrames > 0 {
		b.zeroDest(data, destStartOffset+byteSize, uint32(tailFrames)*b.bytesPerFrame)
	}

	offset0 := b.frameOffset(startRead)
	offset1 := b.frameOffset(endRead)

	if offset0 < offset1 {
		b.fetchAt(data, destStartOffset, offset0, offset1-offset0)
	} else {
		wrapBytes := b.capacityBytes - offset0
		b.fetchAt(data, destStartOffset, offset0, wrapBytes)
		b.fetchAt(data, destStartOffset+wrapBytes, 0, offset1)
	}

	return nil
}

// GetTimeBounds returns the valid sample-time window using the same
// retry protocol as Fetch.
func (b *Buffer) GetTimeBounds() (SampleTime, SampleTime, error) {
	return b.bounds.get()
}

// clipTimeBounds clamps the requested read range to the valid window.
// A range that fully straddles the window is impossible to satisfy even
// partially from one buffer of history.
func (b *Buffer) clipTimeBounds(startRead, endRead SampleTime) (SampleTime, SampleTime, error) {
	startTime, endTime, err := b.bounds.get()
	if err != nil {
		return 0, 0, err
	}

	if startRead < startTime && endRead > endTime {
		return 0, 0, ErrTooMuch
	}

	// Disjoint ranges read back as pure silence.
	if startRead > endTime || endRead < startTime {
		return startRead, startRead, nil
	}

	startRead = max(startRead, startTime)
	endRead = min(endRead, endTime)
	endRead = max(endRead, startRead)

	return startRead, endRead, nil
}

func (b *Buffer) storeAt(data [][]byte, destOffset, srcOffset, nbytes uint32) {
	for ch, channel := range b.channels {
		if ch >= len(data) {
			break
		}

		src := data[ch]
		if int(srcOffset) >= len(src) {
			continue
		}

		copy(channel[destOffset:destOffset+nbytes], src[srcOffset:])
	}
}

func (b *Buffer) fetchAt(data [][]byte, destOffset, srcOffset, nbytes uint32) {
	for ch, channel := range b.channels {
		if ch >= len(data) {
			break
		}

		dest := data[ch]
		if int(destOffset) >= len(dest) {
			continue
		}

		copy(dest[destOffset:], channel[srcOffset:srcOffset+nbytes])
	}
}

func (b *Buffer) zeroRange(offset, nbytes uint32) {
	for _, channel := range b.channels {
		clear(channel[offset : offset+nbytes])
	}
}

func (b *Buffer) zeroDest(data [][]byte, offset, nbytes uint32) {
	for _, dest := range data {
		if int(offset) >= len(dest) {
			continue
		}

		end := min(int(offset+nbytes), len(dest))
		clear(dest[offset:end])
	}
}

func roundToPowerOf2(value uint32) uint32 {
	if value <= 1 {
		return 1
	}

	return 1 << bits.Len32(value-1)
}
