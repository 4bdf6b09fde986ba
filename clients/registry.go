package clients

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/elements-storage/AudioLoopback/internal"
)

// ErrTooManyStarts is returned when the IO start count would overflow.
var ErrTooManyStarts = errors.New("clients: start count saturated")

// Registry is the authoritative record of a device's clients and of how
// many of them are currently doing IO. Hardware IO is considered running
// iff that count is nonzero; StartIONonRT and StopIONonRT report the
// 0→1 and 1→0 transitions so the device knows when to actually start or
// stop the hardware.
type Registry struct {
	tel *internal.Telemetry

	mutex sync.Mutex

	clientMap *Map

	startCount uint64

	// Mirrors for metrics, so the observation callbacks never touch
	// the mutex.
	registered atomic.Int64
	doingIO    atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry(tel *internal.Telemetry) *Registry {
	r := &Registry{
		tel: tel,

		clientMap: NewMap(),
	}

	tel.NewUpDownCounter("registered", r.registered.Load)
	tel.NewUpDownCounter("doing_io", r.doingIO.Load)

	return r
}

// SetTaskQueue attaches the task queue used for shadow-map swaps.
func (r *Registry) SetTaskQueue(queue TaskQueue) {
	r.clientMap.SetTaskQueue(queue)
}

// Map exposes the underlying client map; the task queue's real-time
// handler needs it to perform swaps.
func (r *Registry) Map() *Map {
	return r.clientMap
}

// AddClient registers a client.
func (r *Registry) AddClient(client Client) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.clientMap.AddClient(client); err != nil {
		return err
	}

	r.registered.Add(1)
	r.tel.LogInfo("client added",
		"client_id", client.ID, "pid", client.ProcessID, "bundle_id", client.BundleID)

	return nil
}

// RemoveClient deregisters a client. A client removed while doing IO
// gives its start back, mirroring what its stop would have done.
func (r *Registry) RemoveClient(clientID uint32) (Client, bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	client, err := r.clientMap.RemoveClient(clientID)
	if err != nil {
		return Client{}, false, err
	}

	r.registered.Add(-1)

	didStopIO := false
	if client.DoingIO && r.startCount > 0 {
		r.startCount--
		r.doingIO.Add(-1)
		didStopIO = r.startCount == 0
	}

	r.tel.LogInfo("client removed", "client_id", clientID, "bundle_id", client.BundleID)

	return client, didStopIO, nil
}

// StartIONonRT marks a client as doing IO. Returns true when this is
// the transition from zero to one running client, i.e. when the caller
// should start the hardware.
func (r *Registry) StartIONonRT(clientID uint32) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	client, found := r.clientMap.GetClientNonRT(clientID)
	if !found {
		return false, ErrInvalidClient
	}

	if client.DoingIO {
		return false, nil
	}

	if r.startCount == ^uint64(0) {
		return false, ErrTooManyStarts
	}

	if err := r.clientMap.UpdateClientIOStateNonRT(clientID, true); err != nil {
		return false, err
	}

	r.startCount++
	r.doingIO.Add(1)

	return r.startCount == 1, nil
}

// StopIONonRT marks a client as no longer doing IO. Returns true when
// no clients are left running, i.e. when the caller should stop the
// hardware. The start count never goes below zero.
func (r *Registry) StopIONonRT(clientID uint32) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	client, found := r.clientMap.GetClientNonRT(clientID)
	if !found {
		return false, ErrInvalidClient
	}

	if !client.DoingIO || r.startCount == 0 {
		return false, nil
	}

	if err := r.clientMap.UpdateClientIOStateNonRT(clientID, false); err != nil {
		return false, err
	}

	r.startCount--
	r.doingIO.Add(-1)

	return r.startCount == 0, nil
}

// AnyClientDoingIO reports whether hardware IO should be running.
func (r *Registry) AnyClientDoingIO() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.startCount > 0
}

// GetClientRT fetches a client from the live maps. Real-time safe.
func (r *Registry) GetClientRT(clientID uint32) (Client, bool) {
	return r.clientMap.GetClientRT(clientID)
}

// GetClientNonRT fetches a client from the shadow maps.
func (r *Registry) GetClientNonRT(clientID uint32) (Client, bool) {
	return r.clientMap.GetClientNonRT(clientID)
}

// SetClientVolume adjusts a client's relative volume.
func (r *Registry) SetClientVolume(clientID uint32, volume float32) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.clientMap.SetClientVolumeNonRT(clientID, volume)
}
