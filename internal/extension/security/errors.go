package security

import "errors"

// Sentinel errors for security operations.
var (
	// ErrNoSecret indicates the manager was constructed without a token
	// signing secret. Tokens are never issued against an empty secret.
	ErrNoSecret = errors.New("token signing secret not configured")

	// ErrNilInput indicates a nil installation or manifest.
	ErrNilInput = errors.New("installation and manifest are required")
)
