package luavm

import "errors"

// Errors for VM operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutorClosed is returned when submitting to a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrQueueFull is returned when the executor queue cannot accept more
	// work.
	ErrQueueFull = errors.New("lua executor queue full")

	// ErrTimeout is returned when a bounded call exceeded its deadline.
	// The call is aborted inside the VM; the state itself survives.
	ErrTimeout = errors.New("lua execution timed out")

	// ErrInstructionLimit is returned when a call exhausted its
	// instruction budget. Like a timeout, only that call is aborted.
	ErrInstructionLimit = errors.New("lua instruction limit exceeded")
)
