package session

// State is the lifecycle state of a capture session.
type State int

// Session lifecycle states.
const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StatePaused
	StateReconnecting
	StateOffline
	StateCompleted
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can leave this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Active reports whether capture is producing chunks in this state.
// Paused sessions keep their connection but stop producing.
func (s State) Active() bool {
	switch s {
	case StateStreaming, StateReconnecting, StateOffline:
		return true
	default:
		return false
	}
}
