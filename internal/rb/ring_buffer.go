// Package rb provides a lock-free spsc generic ring buffer.
// One producer and one consumer only: the tap fetch loop feeds each
// sink's buffer and that sink alone drains it.
package rb

import (
	"context"
	"errors"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var maxSpins = runtime.NumCPU() * 32

// ErrClosed is returned when the buffer is closed.
var ErrClosed = errors.New("ring buffer: buffer is closed")

// RingBuffer is a lock-free spsc generic ring buffer. Reads and writes
// spin briefly under contention and fall back to blocking on a
// condition variable, so an idle consumer costs nothing.
type RingBuffer[T any] struct {
	spsc *spscBuffer[T]

	_ cpu.CacheLinePad

	// isClosed states whether the buffer is closed.
	isClosed atomic.Bool

	_ cpu.CacheLinePad

	// isFull states whether the buffer is full.
	isFull atomic.Bool

	_ cpu.CacheLinePad

	// isEmpty states whether the buffer is empty.
	isEmpty atomic.Bool

	_ cpu.CacheLinePad

	// notEmpty and notFull are used to signal that the buffer is not empty or full
	notEmpty *sync.Cond
	notFull  *sync.Cond
	mux      *sync.Mutex
}

// NewRingBuffer returns a new lock-free spsc generic ring buffer.
// The capacity is rounded up to a power of two.
func NewRingBuffer[T any](capacity uint32) *RingBuffer[T] {
	mux := &sync.Mutex{}

	return &RingBuffer[T]{
		spsc: newSPSCBuffer[T](uint64(roundToPowerOf2(capacity))),

		mux:      mux,
		notEmpty: sync.NewCond(mux),
		notFull:  sync.NewCond(mux),
	}
}

func roundToPowerOf2(value uint32) uint32 {
	if value <= 1 {
		return 1
	}

	return 1 << bits.Len32(value-1)
}

func (rb *RingBuffer[T]) wait(ctx context.Context, cond *sync.Cond) error {
	done := make(chan struct{})

	go func() {
		defer close(done)
		cond.Wait()
	}()

	select {
	case <-done:
		return nil

	case <-ctx.Done():
		// Wake up the waiting goroutine
		cond.Broadcast()
		<-done
		return ctx.Err()
	}
}

// Write adds an item to the buffer, blocking while it is full.
func (rb *RingBuffer[T]) Write(item T) error {
	// Check if buffer is closed
	if rb.isClosed.Load() {
		return ErrClosed
	}

	for range maxSpins {
		// Try to push the item
		if rb.spsc.push(item) {
			goto cleanup
		}

		// The buffer is full, yield to other goroutines
		runtime.Gosched()
	}

	for !rb.spsc.push(item) {
		// Buffer is still full, yield to other goroutines
		runtime.Gosched()

		// Retry to push the item
		if rb.spsc.push(item) {
			goto cleanup
		}

		// Buffer is full, wait for space
		rb.mux.Lock()

		// Set buffer as full
		rb.isFull.Store(true)

		// Check if buffer is closed
		if rb.isClosed.Load() {
			rb.mux.Unlock()
			return ErrClosed
		}

		// Wait for space
		rb.notFull.Wait()

		// Someone signaled the buffer as not full
		rb.mux.Unlock()
	}

cleanup:
	// Check if the buffer is marked as empty,
	// if so, signal that the buffer is not empty
	if rb.isEmpty.CompareAndSwap(true, false) {
		rb.mux.Lock()
		rb.notEmpty.Broadcast()
		rb.mux.Unlock()
	}

	return nil
}

// TryWrite adds an item without blocking. Returns false when the buffer
// is full or closed; the caller decides whether dropping is acceptable.
func (rb *RingBuffer[T]) TryWrite(item T) bool {
	if rb.isClosed.Load() {
		return false
	}

	if !rb.spsc.push(item) {
		return false
	}

	if rb.isEmpty.CompareAndSwap(true, false) {
		rb.mux.Lock()
		rb.notEmpty.Broadcast()
		rb.mux.Unlock()
	}

	return true
}

// Read removes an item from the buffer, blocking while it is empty.
// Returns ErrClosed once the buffer is closed and drained.
func (rb *RingBuffer[T]) Read(ctx context.Context) (T, error) {
	var item T
	var popOk bool

	for range maxSpins {
		// Try to pop an item
		item, popOk = rb.spsc.pop()
		if popOk {
			goto cleanup
		}

		// The buffer is empty, yield to other goroutines
		runtime.Gosched()
	}

	for {
		item, popOk = rb.spsc.pop()
		if popOk {
			goto cleanup
		}

		// Buffer is still empty, yield to other goroutines
		runtime.Gosched()

		// Retry to pop an item
		item, popOk = rb.spsc.pop()
		if popOk {
			goto cleanup
		}

		// Buffer is empty, wait for data
		rb.mux.Lock()

		// Set buffer as empty
		rb.isEmpty.Store(true)

		// Check if buffer is closed
		if rb.isClosed.Load() {
			rb.mux.Unlock()
			return item, ErrClosed
		}

		// Wait for data, return an error if the context expires
		if err := rb.wait(ctx, rb.notEmpty); err != nil {
			rb.mux.Unlock()
			return item, err
		}

		// Someone signaled the buffer as not empty
		rb.mux.Unlock()
	}

cleanup:
	// Check if buffer is marked as full,
	// if so, signal buffer as not full
	if rb.isFull.CompareAndSwap(true, false) {
		rb.mux.Lock()
		rb.notFull.Broadcast()
		rb.mux.Unlock()
	}

	return item, nil
}

// Len returns the number of items in the buffer.
func (rb *RingBuffer[T]) Len() uint32 {
	return uint32(rb.spsc.len())
}

// Close closes the buffer.
func (rb *RingBuffer[T]) Close() {
	if !rb.isClosed.CompareAndSwap(false, true) {
		return
	}

	rb.mux.Lock()
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
	rb.mux.Unlock()
}
