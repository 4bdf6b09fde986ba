package rb

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type spscBuffer[T any] struct {
	head atomic.Uint64

	_ cpu.CacheLinePad

	tail atomic.Uint64

	_ cpu.CacheLinePad

	capacity uint64
	capMask  uint64

	_ cpu.CacheLinePad

	buffer []T
}

func newSPSCBuffer[T any](capacity uint64) *spscBuffer[T] {
	return &spscBuffer[T]{
		capacity: capacity,
		capMask:  capacity - 1,

		buffer: make([]T, capacity),
	}
}

func (b *spscBuffer[T]) push(item T) bool {
	// Get head and tail
	head := b.head.Load()
	tail := b.tail.Load()

	// Check if buffer is full
	if head-tail >= b.capacity {
		// Buffer is full
		return false
	}

	// Add the item to the buffer
	itemIndex := head & b.capMask
	b.buffer[itemIndex] = item

	// Increase head
	b.head.Add(1)

	return true
}

func (b *spscBuffer[T]) pop() (T, bool) {
	var zero T

	// Get head and tail
	head := b.head.Load()
	tail := b.tail.Load()

	// Check if buffer is empty
	if head == tail {
		// Buffer is empty
		return zero, false
	}

	// Get the item
	itemIndex := tail & b.capMask
	item := b.buffer[itemIndex]

	// Increase tail
	b.tail.Add(1)

	return item, true
}

func (b *spscBuffer[T]) len() uint64 {
	tail := b.tail.Load()
	head := b.head.Load()

	if head < tail {
		return head + b.capacity - tail
	}

	return head - tail
}
