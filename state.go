package boxedr

// State is the lifecycle state of a Session.
type State int

const (
	// StateUninitialized - no interpreter has been started
	StateUninitialized State = iota
	// StateInitializing - a cold start is in flight
	StateInitializing
	// StateReady - the interpreter is up and the library is in place
	StateReady
	// StateFailed - the last cold start failed; Initialize retries
	StateFailed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
