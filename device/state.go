package device

// State is the device lifecycle state. Transitions only happen under the
// state mutex.
type State uint32

const (
	// StateInactive is the state of a freshly constructed device.
	StateInactive State = iota

	// StateActivated means the device is published and ready, but no
	// client has started IO yet.
	StateActivated

	// StateIORunning means at least one client is doing IO and the
	// hardware engine, if any, is running.
	StateIORunning

	// StateIOIdle means IO ran at some point and every client has since
	// stopped.
	StateIOIdle

	// StateDeactivated is terminal.
	StateDeactivated
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivated:
		return "activated"
	case StateIORunning:
		return "io-running"
	case StateIOIdle:
		return "io-idle"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// ChangeState tracks the configuration-change protocol. It overlays the
// lifecycle state: a device can be IORunning with a change pending.
type ChangeState uint32

const (
	ChangeNone ChangeState = iota
	ChangePending
	ChangeApplied
	ChangeAborted
)

func (s ChangeState) String() string {
	switch s {
	case ChangeNone:
		return "none"
	case ChangePending:
		return "pending"
	case ChangeApplied:
		return "applied"
	case ChangeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ChangeAction identifies which configuration change a request refers
// to. It travels through task args and host callbacks as a plain
// integer.
type ChangeAction uint64

const (
	ChangeActionSetSampleRate ChangeAction = iota + 1
	ChangeActionSetEnabledControls
)

func (a ChangeAction) String() string {
	switch a {
	case ChangeActionSetSampleRate:
		return "set-sample-rate"
	case ChangeActionSetEnabledControls:
		return "set-enabled-controls"
	default:
		return "unknown"
	}
}
