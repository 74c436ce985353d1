package bus

import "errors"

// Sentinel errors for bus operations.
var (
	// ErrListenDenied indicates the subscriber lacks the capability to
	// listen for the requested type pattern. Subscribe is a setup-time
	// call, so unlike emit the denial is returned, not swallowed.
	ErrListenDenied = errors.New("listen permission denied for type pattern")

	// ErrNilHandler indicates Subscribe was called without a handler.
	ErrNilHandler = errors.New("subscription handler is required")

	// ErrEmptyPattern indicates Subscribe was called without a type
	// pattern.
	ErrEmptyPattern = errors.New("subscription type pattern is required")
)
