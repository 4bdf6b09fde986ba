package ring

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// timeBoundsQueueSize is the number of retained time-bounds records.
// It must be a power of two.
const (
	timeBoundsQueueSize = 32
	timeBoundsQueueMask = timeBoundsQueueSize - 1
)

// boundsReadRetries is how many times a reader re-checks the update
// counter before giving up and reporting a CPU overload.
const boundsReadRetries = 8

type timeBoundsEntry struct {
	startTime     atomic.Int64
	endTime       atomic.Int64
	updateCounter atomic.Uint32
}

// timeBounds tracks the valid sample-time window of the buffer with a
// sequence lock. The single producer appends records to a fixed history
// ring; readers copy the newest record optimistically and use the update
// counter to detect torn reads.
type timeBounds struct {
	queue [timeBoundsQueueSize]timeBoundsEntry

	_ cpu.CacheLinePad

	ptr atomic.Uint32
}

func (tb *timeBounds) reset() {
	tb.ptr.Store(0)

	for i := range tb.queue {
		tb.queue[i].startTime.Store(0)
		tb.queue[i].endTime.Store(0)
		tb.queue[i].updateCounter.Store(0)
	}
}

// startTime returns the current start of the valid window.
// Producer only.
func (tb *timeBounds) start() SampleTime {
	return tb.queue[tb.ptr.Load()&timeBoundsQueueMask].startTime.Load()
}

// endTime returns the current end of the valid window.
// Producer only.
func (tb *timeBounds) end() SampleTime {
	return tb.queue[tb.ptr.Load()&timeBoundsQueueMask].endTime.Load()
}

// set publishes a new valid window. Producer only. The update counter is
// written last so a reader that observes it can trust the times it copied
// before re-checking.
func (tb *timeBounds) set(startTime, endTime SampleTime) {
	nextPtr := tb.ptr.Load() + 1
	entry := &tb.queue[nextPtr&timeBoundsQueueMask]

	entry.startTime.Store(startTime)
	entry.endTime.Store(endTime)
	entry.updateCounter.Store(nextPtr)

	tb.ptr.Store(nextPtr)
}

// get copies a consistent snapshot of the valid window. Safe to call from
// any goroutine concurrently with set. Returns ErrCPUOverload when the
// producer keeps moving the window faster than we can copy it.
func (tb *timeBounds) get() (SampleTime, SampleTime, error) {
	for range boundsReadRetries {
		ptr := tb.ptr.Load()
		entry := &tb.queue[ptr&timeBoundsQueueMask]

		startTime := entry.startTime.Load()
		endTime := entry.endTime.Load()

		// The counter matching the pointer we started from means the
		// record was not overwritten while we copied it.
		if entry.updateCounter.Load() == ptr {
			return startTime, endTime, nil
		}
	}

	return 0, 0, ErrCPUOverload
}
