package clients

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/elements-storage/AudioLoopback/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry(internal.NewTelemetry("clients", t.Name()))
	r.SetTaskQueue(&inlineSwapQueue{m: r.Map()})

	return r
}

func Test_Registry_StartStopIO(t *testing.T) {
	assert := assert.New(t)

	r := newTestRegistry(t)

	require.NoError(t, r.AddClient(NewClient(1, 100, "", true)))
	require.NoError(t, r.AddClient(NewClient(2, 200, "", true)))

	// First start brings the hardware up.
	didStart, err := r.StartIONonRT(1)
	assert.NoError(err)
	assert.True(didStart)
	assert.True(r.AnyClientDoingIO())

	// A second client starting changes nothing for the hardware.
	didStart, err = r.StartIONonRT(2)
	assert.NoError(err)
	assert.False(didStart)

	// Starting an already-running client is a no-op, not a double count.
	didStart, err = r.StartIONonRT(1)
	assert.NoError(err)
	assert.False(didStart)

	didStop, err := r.StopIONonRT(1)
	assert.NoError(err)
	assert.False(didStop)

	// Stopping an idle client is a no-op too.
	didStop, err = r.StopIONonRT(1)
	assert.NoError(err)
	assert.False(didStop)

	// The last stop brings the hardware down.
	didStop, err = r.StopIONonRT(2)
	assert.NoError(err)
	assert.True(didStop)
	assert.False(r.AnyClientDoingIO())
}

func Test_Registry_unknownClient(t *testing.T) {
	assert := assert.New(t)

	r := newTestRegistry(t)

	_, err := r.StartIONonRT(99)
	assert.ErrorIs(err, ErrInvalidClient)

	_, err = r.StopIONonRT(99)
	assert.ErrorIs(err, ErrInvalidClient)

	_, _, err = r.RemoveClient(99)
	assert.ErrorIs(err, ErrInvalidClient)

	assert.ErrorIs(r.SetClientVolume(99, 0.5), ErrInvalidClient)
}

func Test_Registry_removeRunningClientStopsIO(t *testing.T) {
	assert := assert.New(t)

	r := newTestRegistry(t)

	require.NoError(t, r.AddClient(NewClient(1, 100, "", true)))
	require.NoError(t, r.AddClient(NewClient(2, 200, "", true)))

	_, err := r.StartIONonRT(1)
	require.NoError(t, err)
	_, err = r.StartIONonRT(2)
	require.NoError(t, err)

	// A client that dies mid-IO gives its start back.
	_, didStopIO, err := r.RemoveClient(1)
	assert.NoError(err)
	assert.False(didStopIO)
	assert.True(r.AnyClientDoingIO())

	_, didStopIO, err = r.RemoveClient(2)
	assert.NoError(err)
	assert.True(didStopIO)
	assert.False(r.AnyClientDoingIO())
}

func Test_Registry_concurrentStartStop(t *testing.T) {
	const numClients = 32

	assert := assert.New(t)

	r := newTestRegistry(t)

	for id := range uint32(numClients) {
		require.NoError(t, r.AddClient(NewClient(id, int32(id), "", true)))
	}

	var becameRunning, becameIdle atomic.Int64

	wg := &sync.WaitGroup{}
	wg.Add(numClients)

	for id := range uint32(numClients) {
		go func() {
			defer wg.Done()

			didStart, err := r.StartIONonRT(id)
			assert.NoError(err)
			if didStart {
				becameRunning.Add(1)
			}

			didStop, err := r.StopIONonRT(id)
			assert.NoError(err)
			if didStop {
				becameIdle.Add(1)
			}
		}()
	}

	wg.Wait()

	// However the starts and stops interleave, the hardware state
	// transitions pair up and the registry ends idle.
	assert.Equal(becameRunning.Load(), becameIdle.Load())
	assert.GreaterOrEqual(becameRunning.Load(), int64(1))
	assert.False(r.AnyClientDoingIO())
}

func Test_Registry_volumeIsPerClient(t *testing.T) {
	assert := assert.New(t)

	r := newTestRegistry(t)

	require.NoError(t, r.AddClient(NewClient(1, 100, "com.example.music", true)))
	require.NoError(t, r.AddClient(NewClient(2, 200, "com.example.calls", true)))

	require.NoError(t, r.SetClientVolume(1, 0.5))

	one, _ := r.GetClientRT(1)
	two, _ := r.GetClientRT(2)
	assert.Equal(float32(0.5), one.RelativeVolume)
	assert.Equal(float32(1), two.RelativeVolume)
}
