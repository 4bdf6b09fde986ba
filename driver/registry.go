package driver

import (
	"fmt"
	"sync"

	"github.com/elements-storage/AudioLoopback/clients"
	"github.com/elements-storage/AudioLoopback/device"
	"github.com/elements-storage/AudioLoopback/internal"
	"github.com/elements-storage/AudioLoopback/internal/ring"
)

// Registry is the process-wide driver object. The host addresses
// devices by the numeric id AddDevice returns; every entry point is a
// panic boundary that reports failure as a status code.
//
// Construct one at startup and pass it to whatever adapts the host API,
// instead of reaching for package-level state.
type Registry struct {
	tel *internal.Telemetry

	mutex   sync.RWMutex
	devices map[uint32]*device.Device
	nextID  uint32
}

// NewRegistry returns an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		tel: internal.NewTelemetry("driver", "registry"),

		devices: map[uint32]*device.Device{},
		nextID:  1,
	}
}

// AddDevice registers a device and returns its id.
func (r *Registry) AddDevice(dev *device.Device) uint32 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id := r.nextID
	r.nextID++
	r.devices[id] = dev

	r.tel.LogInfo("device registered", "device_id", id)

	return id
}

// RemoveDevice deregisters a device. The caller still owns the device
// and is responsible for closing it.
func (r *Registry) RemoveDevice(deviceID uint32) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.devices, deviceID)
}

// Device looks a device up by id.
func (r *Registry) Device(deviceID uint32) (*device.Device, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	dev, found := r.devices[deviceID]
	return dev, found
}

// guard converts a panic in a host-facing entry point into
// StatusUnspecified. An uncaught panic here would take the host process
// down with it.
func (r *Registry) guard(entryPoint string, status *Status) {
	if recovered := recover(); recovered != nil {
		r.tel.LogError("panic in host entry point", fmt.Errorf("%v", recovered),
			"entry_point", entryPoint)
		*status = StatusUnspecified
	}
}

/////////////////////////
//  HOST ENTRY POINTS  //
/////////////////////////

// AddClient registers a client with a device.
func (r *Registry) AddClient(deviceID uint32, client clients.Client) (status Status) {
	defer r.guard("AddClient", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	return statusFromError(dev.AddClient(client))
}

// RemoveClient deregisters a client from a device.
func (r *Registry) RemoveClient(deviceID, clientID uint32) (status Status) {
	defer r.guard("RemoveClient", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	return statusFromError(dev.RemoveClient(clientID))
}

// StartIO starts an IO session for a client.
func (r *Registry) StartIO(deviceID, clientID uint32) (status Status) {
	defer r.guard("StartIO", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	return statusFromError(dev.StartIO(clientID))
}

// StopIO stops an IO session for a client.
func (r *Registry) StopIO(deviceID, clientID uint32) (status Status) {
	defer r.guard("StopIO", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	return statusFromError(dev.StopIO(clientID))
}

// GetZeroTimeStamp reports the device clock's current position.
func (r *Registry) GetZeroTimeStamp(deviceID uint32) (sampleTime ring.SampleTime, hostTime, seed uint64, status Status) {
	defer r.guard("GetZeroTimeStamp", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return 0, 0, 0, StatusBadDevice
	}

	sampleTime, hostTime, seed = dev.GetZeroTimeStamp()

	return sampleTime, hostTime, seed, StatusOK
}

// WillDoIOOperation reports which IO phases the device wants.
func (r *Registry) WillDoIOOperation(deviceID uint32, op device.IOOperation) (willDo, inPlace bool, status Status) {
	defer r.guard("WillDoIOOperation", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return false, false, StatusBadDevice
	}

	willDo, inPlace = dev.WillDoIOOperation(op)

	return willDo, inPlace, StatusOK
}

// BeginIOOperation runs at the start of an IO cycle phase.
func (r *Registry) BeginIOOperation(deviceID uint32, op device.IOOperation, clientID uint32) (status Status) {
	defer r.guard("BeginIOOperation", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	dev.BeginIOOperation(op, clientID)

	return StatusOK
}

// DoIOOperation performs one phase of the IO cycle.
func (r *Registry) DoIOOperation(deviceID uint32, op device.IOOperation, clientID, frameCount uint32, sampleTime ring.SampleTime, buf []byte) (status Status) {
	defer r.guard("DoIOOperation", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	return statusFromError(dev.DoIOOperation(op, clientID, frameCount, sampleTime, buf))
}

// EndIOOperation runs at the end of an IO cycle phase.
func (r *Registry) EndIOOperation(deviceID uint32, op device.IOOperation, clientID uint32) (status Status) {
	defer r.guard("EndIOOperation", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	dev.EndIOOperation(op, clientID)

	return StatusOK
}

// PerformConfigChange commits a requested configuration change.
func (r *Registry) PerformConfigChange(deviceID uint32, action device.ChangeAction) (status Status) {
	defer r.guard("PerformConfigChange", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	return statusFromError(dev.PerformConfigChange(action))
}

// AbortConfigChange rolls a requested configuration change back.
func (r *Registry) AbortConfigChange(deviceID uint32, action device.ChangeAction) (status Status) {
	defer r.guard("AbortConfigChange", &status)

	dev, found := r.Device(deviceID)
	if !found {
		return StatusBadDevice
	}

	dev.AbortConfigChange(action)

	return StatusOK
}
