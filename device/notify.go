package device

// Property identifies a device property in change notifications sent to
// the host listener.
type Property uint32

const (
	PropertyDeviceIsRunning Property = iota + 1
	PropertySampleRate
	PropertyEnabledControls
	PropertyVolume
	PropertyMute
)

func (p Property) String() string {
	switch p {
	case PropertyDeviceIsRunning:
		return "device-is-running"
	case PropertySampleRate:
		return "sample-rate"
	case PropertyEnabledControls:
		return "enabled-controls"
	case PropertyVolume:
		return "volume"
	case PropertyMute:
		return "mute"
	default:
		return "unknown"
	}
}

// PropertyListener receives property-changed notifications. Called on
// the task queue's ordinary worker, never on a real-time thread, so it
// may block briefly but must not call back into the device.
type PropertyListener func(p Property)

// ConfigChangeHandler receives outbound configuration-change requests.
// The host is expected to pause IO and then call PerformConfigChange or
// AbortConfigChange with the same action. Called on the ordinary worker.
type ConfigChangeHandler func(action ChangeAction)
