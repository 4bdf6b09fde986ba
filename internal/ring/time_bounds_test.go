package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_timeBounds_initialWindowIsEmpty(t *testing.T) {
	tb := &timeBounds{}

	start, end, err := tb.get()
	require.NoError(t, err)
	assert.Zero(t, start)
	assert.Zero(t, end)
}

func Test_timeBounds_setThenGet(t *testing.T) {
	require := require.New(t)

	tb := &timeBounds{}
	tb.set(100, 612)

	start, end, err := tb.get()
	require.NoError(err)
	require.Equal(SampleTime(100), start)
	require.Equal(SampleTime(612), end)

	require.Equal(SampleTime(100), tb.start())
	require.Equal(SampleTime(612), tb.end())
}

func Test_timeBounds_historySurvivesRecentUpdates(t *testing.T) {
	require := require.New(t)

	tb := &timeBounds{}
	for i := range SampleTime(1000) {
		tb.set(i, i+512)
	}

	start, end, err := tb.get()
	require.NoError(err)
	require.Equal(SampleTime(999), start)
	require.Equal(SampleTime(999+512), end)
}

func Test_timeBounds_tornReadIsDetected(t *testing.T) {
	require := require.New(t)

	tb := &timeBounds{}
	tb.set(0, 128)

	// Simulate the producer lapping the reader's record: overwrite the
	// current slot with a counter from a later generation, as happens
	// when the producer performs a full queue worth of updates between
	// the reader's two counter checks.
	ptr := tb.ptr.Load()
	entry := &tb.queue[ptr&timeBoundsQueueMask]
	entry.updateCounter.Store(ptr + timeBoundsQueueSize)

	_, _, err := tb.get()
	require.ErrorIs(err, ErrCPUOverload)
}

func Test_timeBounds_concurrentReadersSeeConsistentWindows(t *testing.T) {
	const (
		updates = 200_000
		readers = 4
		window  = SampleTime(512)
	)

	tb := &timeBounds{}
	tb.set(0, window)

	done := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(readers)

	for range readers {
		go func() {
			defer wg.Done()

			for {
				select {
				case <-done:
					return
				default:
				}

				start, end, err := tb.get()
				if err != nil {
					// Overload is a legal transient outcome.
					continue
				}

				// Every successfully read record must be internally
				// consistent: the window width never changes.
				assert.Equal(t, window, end-start)
			}
		}()
	}

	for i := range SampleTime(updates) {
		tb.set(i, i+window)
	}

	close(done)
	wg.Wait()
}
