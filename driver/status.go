// Package driver is the host-facing boundary of the loopback driver. It
// addresses devices through an explicit process-wide registry and
// converts every internal error or panic into a fixed set of status
// codes, so nothing ever unwinds across the boundary into the host.
package driver

import (
	"errors"

	"github.com/elements-storage/AudioLoopback/clients"
	"github.com/elements-storage/AudioLoopback/device"
	"github.com/elements-storage/AudioLoopback/internal/ring"
)

// Status is the result of a host-facing call.
type Status uint32

const (
	// StatusOK means the call succeeded.
	StatusOK Status = iota

	// StatusBadDevice means the device id is not registered.
	StatusBadDevice

	// StatusBadClient means the client id is unknown or already in use.
	StatusBadClient

	// StatusIllegalOperation means the call is invalid in the device's
	// current state, or its arguments violate the IO protocol.
	StatusIllegalOperation

	// StatusUnsupportedFormat means a requested format or rate cannot
	// be provided.
	StatusUnsupportedFormat

	// StatusOverload means a real-time deadline was blown and the cycle
	// degraded. Recoverable.
	StatusOverload

	// StatusUnspecified covers everything unexpected, including
	// recovered panics.
	StatusUnspecified
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadDevice:
		return "bad-device"
	case StatusBadClient:
		return "bad-client"
	case StatusIllegalOperation:
		return "illegal-operation"
	case StatusUnsupportedFormat:
		return "unsupported-format"
	case StatusOverload:
		return "overload"
	case StatusUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// statusFromError maps internal errors onto the boundary's status set.
func statusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK

	case errors.Is(err, clients.ErrInvalidClient):
		return StatusBadClient

	case errors.Is(err, clients.ErrTooManyStarts),
		errors.Is(err, device.ErrDeviceState),
		errors.Is(err, device.ErrUnsupportedOperation),
		errors.Is(err, device.ErrShortBuffer),
		errors.Is(err, device.ErrUnknownChangeAction),
		errors.Is(err, ring.ErrTooMuch):
		return StatusIllegalOperation

	case errors.Is(err, device.ErrUnsupportedSampleRate):
		return StatusUnsupportedFormat

	case errors.Is(err, ring.ErrCPUOverload):
		return StatusOverload

	default:
		return StatusUnspecified
	}
}
