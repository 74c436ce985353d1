package extension

import "errors"

// Sentinel errors for the system facade.
var (
	// ErrNotActivated is returned for operations on an installation with
	// no live activation.
	ErrNotActivated = errors.New("installation is not activated")

	// ErrUndeclaredCapability is returned when an installation's granted
	// capabilities exceed what its manifest declares.
	ErrUndeclaredCapability = errors.New("granted capability not declared by manifest")
)
