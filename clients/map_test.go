package clients

import (
	"testing"

	"go.uber.org/goleak"

	"github.com/elements-storage/AudioLoopback/internal"
	"github.com/elements-storage/AudioLoopback/internal/taskq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// inlineSwapQueue performs shadow swaps on the caller's goroutine. Good
// enough for single-threaded map tests; concurrency against a real
// queue is covered separately.
type inlineSwapQueue struct {
	m *Map

	swaps   int
	swapErr error
}

func (q *inlineSwapQueue) QueueSync(kind taskq.Kind, _ bool, _, _ uint64) (uint64, error) {
	if q.swapErr != nil {
		return 0, q.swapErr
	}

	if kind == taskq.KindSwapShadowMaps {
		q.m.SwapInShadowMapsRT()
		q.swaps++
	}

	return 0, nil
}

func newTestMap() (*Map, *inlineSwapQueue) {
	m := NewMap()

	queue := &inlineSwapQueue{m: m}
	m.SetTaskQueue(queue)

	return m, queue
}

func Test_Map_AddClient(t *testing.T) {
	assert := assert.New(t)

	m, queue := newTestMap()

	require.NoError(t, m.AddClient(NewClient(7, 100, "com.example.music", true)))

	// Every mutation swaps exactly once, so both sets saw it.
	assert.Equal(1, queue.swaps)

	live, found := m.GetClientRT(7)
	assert.True(found)
	assert.Equal(uint32(7), live.ID)
	assert.Equal(float32(1), live.RelativeVolume)

	shadow, found := m.GetClientNonRT(7)
	assert.True(found)
	assert.Equal(live, shadow)
}

func Test_Map_AddClient_duplicateID(t *testing.T) {
	m, _ := newTestMap()

	require.NoError(t, m.AddClient(NewClient(7, 100, "", true)))
	assert.ErrorIs(t, m.AddClient(NewClient(7, 200, "", true)), ErrInvalidClient)
}

func Test_Map_RemoveClient(t *testing.T) {
	assert := assert.New(t)

	m, _ := newTestMap()

	require.NoError(t, m.AddClient(NewClient(7, 100, "com.example.music", true)))

	removed, err := m.RemoveClient(7)
	assert.NoError(err)
	assert.Equal(uint32(7), removed.ID)

	_, found := m.GetClientRT(7)
	assert.False(found)
	_, found = m.GetClientNonRT(7)
	assert.False(found)

	_, err = m.RemoveClient(7)
	assert.ErrorIs(err, ErrInvalidClient)
}

func Test_Map_lookupByPIDAndBundleID(t *testing.T) {
	assert := assert.New(t)

	m, _ := newTestMap()

	require.NoError(t, m.AddClient(NewClient(1, 100, "com.example.music", true)))
	require.NoError(t, m.AddClient(NewClient(2, 100, "com.example.music", true)))
	require.NoError(t, m.AddClient(NewClient(3, 200, "com.example.calls", true)))

	assert.Len(m.GetClientsByPID(100), 2)
	assert.Len(m.GetClientsByPID(200), 1)
	assert.Empty(m.GetClientsByPID(300))

	assert.Len(m.GetClientsByBundleID("com.example.music"), 2)
	assert.Len(m.GetClientsByBundleID("com.example.calls"), 1)

	_, err := m.RemoveClient(2)
	require.NoError(t, err)

	assert.Len(m.GetClientsByPID(100), 1)
	assert.Len(m.GetClientsByBundleID("com.example.music"), 1)
}

func Test_Map_updateIOState(t *testing.T) {
	assert := assert.New(t)

	m, _ := newTestMap()

	require.NoError(t, m.AddClient(NewClient(7, 100, "", true)))
	require.NoError(t, m.UpdateClientIOStateNonRT(7, true))

	live, _ := m.GetClientRT(7)
	assert.True(live.DoingIO)
	shadow, _ := m.GetClientNonRT(7)
	assert.True(shadow.DoingIO)

	assert.ErrorIs(m.UpdateClientIOStateNonRT(99, true), ErrInvalidClient)
}

func Test_Map_volumeSurvivesReconnect(t *testing.T) {
	assert := assert.New(t)

	m, _ := newTestMap()

	require.NoError(t, m.AddClient(NewClient(7, 100, "com.example.music", true)))
	require.NoError(t, m.SetClientVolumeNonRT(7, 0.25))

	_, err := m.RemoveClient(7)
	require.NoError(t, err)

	// Same application reconnects with a fresh client id.
	require.NoError(t, m.AddClient(NewClient(8, 110, "com.example.music", true)))

	reconnected, found := m.GetClientNonRT(8)
	assert.True(found)
	assert.Equal(float32(0.25), reconnected.RelativeVolume)

	// An unrelated application starts from the default.
	require.NoError(t, m.AddClient(NewClient(9, 120, "com.example.calls", true)))

	other, _ := m.GetClientNonRT(9)
	assert.Equal(float32(1), other.RelativeVolume)
}

func Test_Map_failedSwapUnwindsMutation(t *testing.T) {
	assert := assert.New(t)

	m, queue := newTestMap()

	require.NoError(t, m.AddClient(NewClient(7, 100, "com.example.music", true)))

	// The queue dies under the map; every mutation from here on must
	// report the failure and leave both sets exactly as they were,
	// rather than silently mutating only the shadow set.
	queue.swapErr = taskq.ErrStopped

	assert.ErrorIs(m.AddClient(NewClient(8, 100, "", true)), taskq.ErrStopped)
	_, found := m.GetClientNonRT(8)
	assert.False(found)

	_, err := m.RemoveClient(7)
	assert.ErrorIs(err, taskq.ErrStopped)
	_, found = m.GetClientNonRT(7)
	assert.True(found)

	assert.ErrorIs(m.SetClientVolumeNonRT(7, 0.5), taskq.ErrStopped)

	still, _ := m.GetClientNonRT(7)
	assert.Equal(float32(1), still.RelativeVolume)
}

func Test_Map_swapsOnRealTimeWorker(t *testing.T) {
	assert := assert.New(t)

	m := NewMap()

	swapWorker := make(chan struct{}, 64)
	queue := taskq.New(
		internal.NewTelemetry("taskq", t.Name()),
		func(kind taskq.Kind, _, _ uint64) (uint64, error) {
			if kind == taskq.KindSwapShadowMaps {
				m.SwapInShadowMapsRT()
				swapWorker <- struct{}{}
			}
			return 0, nil
		},
		func(taskq.Kind, uint64, uint64) (uint64, error) { return 0, nil },
	)
	defer queue.Stop()

	m.SetTaskQueue(queue)

	require.NoError(t, m.AddClient(NewClient(7, 100, "", true)))
	assert.Len(swapWorker, 1)

	require.NoError(t, m.UpdateClientIOStateNonRT(7, true))
	assert.Len(swapWorker, 2)

	client, found := m.GetClientRT(7)
	assert.True(found)
	assert.True(client.DoingIO)
}
