package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/elements-storage/AudioLoopback/device"
	"github.com/elements-storage/AudioLoopback/driver"
	"github.com/elements-storage/AudioLoopback/tap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collectSink keeps every chunk it is given.
type collectSink struct {
	mutex sync.Mutex

	chunks []tap.Chunk
	closed bool
}

func (s *collectSink) Init(context.Context) error {
	return nil
}

func (s *collectSink) Write(chunk tap.Chunk) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *collectSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	return nil
}

func (s *collectSink) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.chunks)
}

func Test_Loopback_endToEnd(t *testing.T) {
	assert := assert.New(t)

	cfg := NewConfig()
	cfg.Device.Name = "test"
	cfg.Device.RingFrames = 512

	tapCfg := tap.NewConfig()
	tapCfg.ChunkFrames = 64
	cfg.Tap = tapCfg

	unit, err := New(cfg)
	require.NoError(t, err)
	defer unit.Close()

	sink := &collectSink{}
	unit.AddTapSink("collect", sink)

	require.NoError(t, unit.Start(context.Background()))

	drv, deviceID := unit.Driver(), unit.DeviceID()

	const clientID = 7

	assert.Equal(driver.StatusOK, drv.AddClient(deviceID, NewClient(clientID, 1234, "test.app", true)))
	assert.Equal(driver.StatusOK, drv.StartIO(deviceID, clientID))
	assert.Equal(device.StateIORunning, unit.Device().State())

	buf := make([]byte, 256*device.BytesPerFrame)
	assert.Equal(driver.StatusOK,
		drv.DoIOOperation(deviceID, device.IOOperationWriteMix, clientID, 256, 0, buf))

	// The tap drains what the client mixed in.
	require.Eventually(t, func() bool {
		return sink.count() > 0
	}, time.Second, time.Millisecond)

	assert.Equal(driver.StatusOK, drv.StopIO(deviceID, clientID))
	assert.Equal(driver.StatusOK, drv.RemoveClient(deviceID, clientID))

	unit.Close()
	assert.True(sink.closed)
}

func Test_Loopback_selfHostedConfigChange(t *testing.T) {
	assert := assert.New(t)

	cfg := NewConfig()
	cfg.Device.Name = "test"
	cfg.Device.RingFrames = 512

	unit, err := New(cfg)
	require.NoError(t, err)
	defer unit.Close()

	require.NoError(t, unit.Start(context.Background()))

	// The unit acts as its own host: a requested change commits without
	// anyone calling PerformConfigChange.
	dev := unit.Device()
	require.NoError(t, dev.RequestSampleRate(48_000))

	require.Eventually(t, func() bool {
		return dev.SampleRate() == 48_000
	}, time.Second, time.Millisecond)

	assert.Equal(device.ChangeApplied, dev.ChangeState())
}
