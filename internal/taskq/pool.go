package taskq

import (
	"math/bits"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// DefaultFreePoolSize is how many tasks are preallocated for
// asynchronous submission.
const DefaultFreePoolSize = 512

// freePool is a fixed arena of preallocated tasks behind a lock-free
// multi-producer/multi-consumer ring, so asynchronous submission from a
// real-time context never has to allocate. Running dry is survivable:
// get returns nil and the caller falls back to allocating.
type freePool struct {
	// headTail packs head in the top 32 bits and tail in the bottom 32
	// so both can be read with a single load.
	headTail atomic.Uint64

	_ cpu.CacheLinePad

	capacity uint32
	capMask  uint32

	_ cpu.CacheLinePad

	slots []poolSlot
}

type poolSlot struct {
	ready atomic.Bool
	task  *Task
}

func newFreePool(capacity uint32) *freePool {
	capacity = roundToPowerOf2(capacity)

	pool := &freePool{
		capacity: capacity,
		capMask:  capacity - 1,

		slots: make([]poolSlot, capacity),
	}

	for range capacity {
		pool.put(new(Task))
	}

	return pool
}

func pack(head, tail uint32) uint64 {
	return uint64(head)<<32 | uint64(tail)
}

func unpack(headTail uint64) (head, tail uint32) {
	return uint32(headTail >> 32), uint32(headTail)
}

func (p *freePool) put(task *Task) bool {
	for {
		headTail := p.headTail.Load()
		head, tail := unpack(headTail)

		if head-tail >= p.capacity {
			return false
		}

		slot := &p.slots[head&p.capMask]

		// A still-set ready flag means the slot hasn't been drained by
		// its consumer yet.
		if slot.ready.Load() {
			runtime.Gosched()
			continue
		}

		if !p.headTail.CompareAndSwap(headTail, pack(head+1, tail)) {
			continue
		}

		slot.task = task
		slot.ready.Store(true)

		return true
	}
}

func (p *freePool) get() *Task {
	for {
		headTail := p.headTail.Load()
		head, tail := unpack(headTail)

		if head == tail {
			return nil
		}

		slot := &p.slots[tail&p.capMask]

		if !slot.ready.Load() {
			runtime.Gosched()
			continue
		}

		if !p.headTail.CompareAndSwap(headTail, pack(head, tail+1)) {
			continue
		}

		task := slot.task
		slot.task = nil
		slot.ready.Store(false)

		return task
	}
}

func (p *freePool) len() uint32 {
	head, tail := unpack(p.headTail.Load())

	if head < tail {
		return head + p.capacity - tail
	}

	return head - tail
}

func roundToPowerOf2(value uint32) uint32 {
	if value <= 1 {
		return 1
	}

	return 1 << bits.Len32(value-1)
}
