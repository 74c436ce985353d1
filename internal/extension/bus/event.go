package bus

import (
	"time"
)

// SystemNamespace is the reserved prefix for host-originated event types.
// Emitting or subscribing under it requires the system-events capability.
const SystemNamespace = "system."

// SystemSource is the source id used for events the host emits itself.
const SystemSource = "system"

// HandlerErrorType is the self-describing event emitted when a subscriber's
// handler fails during dispatch.
const HandlerErrorType = "system.bus.handler-error"

// Event is one sanitized, immutable bus event. The payload is sanitized at
// emit time; history and every dispatched copy share the sanitized form.
type Event struct {
	ID        string
	Type      string
	Source    string
	Target    string
	Payload   any
	Metadata  map[string]any
	Timestamp time.Time
}

// Targeted reports whether the event names a single recipient.
func (e *Event) Targeted() bool {
	return e.Target != ""
}

// Handler processes one delivered event. A returned error is logged and
// reported as a handler-error system event; it never aborts dispatch to the
// remaining subscriptions.
type Handler func(Event) error

// EmitOption configures a single emit call.
type EmitOption func(*emitConfig)

type emitConfig struct {
	target   string
	metadata map[string]any
}

// WithTarget restricts delivery to subscriptions owned by the named
// recipient.
func WithTarget(ownerID string) EmitOption {
	return func(c *emitConfig) {
		c.target = ownerID
	}
}

// WithMetadata attaches metadata to the event. Metadata is sanitized the
// same way the payload is.
func WithMetadata(md map[string]any) EmitOption {
	return func(c *emitConfig) {
		c.metadata = md
	}
}
