package session

// CallStatus is the single source of truth for the call lifecycle.
type CallStatus int

const (
	StatusInactive CallStatus = iota
	StatusConnecting
	StatusActive
	StatusFinished
	StatusError
)

func (s CallStatus) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusConnecting:
		return "CONNECTING"
	case StatusActive:
		return "ACTIVE"
	case StatusFinished:
		return "FINISHED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the engine must be cleaned up and reconnected
// from scratch to leave this state.
func (s CallStatus) Terminal() bool {
	return s == StatusFinished || s == StatusError
}
