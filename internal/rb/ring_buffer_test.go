package rb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_spscBuffer(t *testing.T) {
	const (
		capacity = 128
		items    = 100_000
	)

	assert := assert.New(t)

	buffer := newSPSCBuffer[int](capacity)

	popWg := &sync.WaitGroup{}
	popWg.Add(1)

	go func() {
		defer popWg.Done()

		expected := 0
		for expected < items {
			item, ok := buffer.pop()
			if !ok {
				continue
			}

			// SPSC preserves order exactly.
			assert.Equal(expected, item)
			expected++
		}
	}()

	produced := 0
	for produced < items {
		if buffer.push(produced) {
			produced++
		}
	}

	popWg.Wait()

	assert.Zero(buffer.len())
}

func Test_RingBuffer_capacityRounding(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(1), NewRingBuffer[int](0).spsc.capacity)
	assert.Equal(uint64(64), NewRingBuffer[int](33).spsc.capacity)
	assert.Equal(uint64(64), NewRingBuffer[int](64).spsc.capacity)
}

func Test_RingBuffer_writeRead(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](64)

	for val := range 10 {
		require.NoError(t, rb.Write(val))
	}

	assert.Equal(uint32(10), rb.Len())

	for val := range 10 {
		item, err := rb.Read(context.Background())
		assert.NoError(err)
		assert.Equal(val, item)
	}
}

func Test_RingBuffer_readBlocksUntilWrite(t *testing.T) {
	rb := NewRingBuffer[int](8)

	got := make(chan int, 1)
	go func() {
		item, err := rb.Read(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rb.Write(42))

	select {
	case item := <-got:
		assert.Equal(t, 42, item)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up")
	}
}

func Test_RingBuffer_readContextCancel(t *testing.T) {
	rb := NewRingBuffer[int](8)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := rb.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_RingBuffer_close(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](8)
	rb.Close()

	assert.ErrorIs(rb.Write(1), ErrClosed)
	assert.False(rb.TryWrite(1))

	// Closing twice is fine.
	rb.Close()
}

func Test_RingBuffer_closeWakesReader(t *testing.T) {
	rb := NewRingBuffer[int](8)

	errCh := make(chan error, 1)
	go func() {
		_, err := rb.Read(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader never woke up on close")
	}
}

func Test_RingBuffer_tryWriteDropsWhenFull(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](2)

	assert.True(rb.TryWrite(1))
	assert.True(rb.TryWrite(2))
	assert.False(rb.TryWrite(3))

	item, err := rb.Read(context.Background())
	assert.NoError(err)
	assert.Equal(1, item)

	assert.True(rb.TryWrite(3))
}
