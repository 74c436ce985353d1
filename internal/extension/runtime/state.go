package runtime

// State is the lifecycle state of an execution context.
type State int

const (
	// StateInitializing is the state before entry code has run.
	StateInitializing State = iota

	// StateRunning means the context accepts action calls and event
	// deliveries.
	StateRunning

	// StatePaused gates new calls without cancelling in-flight ones.
	StatePaused

	// StateStopped is terminal; the context has been destroyed.
	StateStopped

	// StateError is terminal for this context instance; entry code or the
	// init hook failed. Recovery means creating a fresh context.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
