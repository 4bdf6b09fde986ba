// Package clients tracks the applications registered with a loopback
// device and their IO state. The registry keeps two copies of its maps:
// a live set read by real-time code under a tightly-held mutex, and a
// shadow set mutated freely by non-real-time code. The two are exchanged
// in O(1) on the task queue's real-time worker, so map mutation
// (allocation, rehashing) never happens in a real-time-visible critical
// section.
package clients

import "errors"

// ErrInvalidClient is returned when an operation names a client id that
// is not registered, or registers an id that already is.
var ErrInvalidClient = errors.New("clients: invalid client id")

// Client is one application registered with the device.
type Client struct {
	// ID is unique while the client is registered.
	ID uint32

	// ProcessID of the owning application.
	ProcessID int32

	// BundleID identifies the application across reconnects. May be
	// empty.
	BundleID string

	// IsNativeEndian is false when the client's samples need byte
	// swapping.
	IsNativeEndian bool

	// DoingIO becomes true when the client starts an IO cycle and
	// false when it stops.
	DoingIO bool

	// RelativeVolume scales this client's audio against the others.
	// Remembered per bundle id after the client disconnects.
	RelativeVolume float32
}

// NewClient returns a client record with default settings.
func NewClient(id uint32, processID int32, bundleID string, isNativeEndian bool) Client {
	return Client{
		ID:             id,
		ProcessID:      processID,
		BundleID:       bundleID,
		IsNativeEndian: isNativeEndian,

		RelativeVolume: 1,
	}
}
