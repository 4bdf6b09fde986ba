package device

// AudioEngine abstracts the real audio hardware a device can sit in
// front of. A pure loopback device has none and derives its clock from
// the host clock instead.
type AudioEngine interface {
	// Start brings the hardware up. Called with the device state mutex
	// held, on the first client IO start.
	Start() error

	// Stop brings the hardware down. Called on the last client IO stop.
	Stop() error

	// SetSampleRate reconfigures the hardware. Only called between a
	// PerformConfigChange and the host resuming IO.
	SetSampleRate(rate float64) error
}
