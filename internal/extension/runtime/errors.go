package runtime

import "errors"

// Errors for execution context operations.
var (
	// ErrNotRunning is returned for action calls against a context that
	// is not in the running state.
	ErrNotRunning = errors.New("execution context is not running")

	// ErrActionNotFound is returned when no handler is registered under
	// the requested action name.
	ErrActionNotFound = errors.New("action not registered")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("execution context already initialized")

	// ErrDestroyed is returned for calls against a destroyed context.
	ErrDestroyed = errors.New("execution context destroyed")
)
