package runtime

import (
	"github.com/dshills/hivedesk/internal/extension/manifest"
)

// EventHandler receives one bus event delivered to a VM subscription.
type EventHandler func(eventType string, payload any)

// HostAPI is the capability surface one installation's VM can reach. The
// wiring layer binds an implementation to the installation's live
// security context; every method re-checks policy there, so revocation
// applies to calls already wired into the VM.
type HostAPI interface {
	// HasPermission checks the installation's live security context.
	HasPermission(p manifest.Permission) bool

	// EmitEvent publishes on the bus as this installation. Denials are
	// silent; the return value only reports whether the event was
	// accepted.
	EmitEvent(eventType string, payload any) bool

	// SubscribeEvent registers a bus subscription owned by this
	// installation.
	SubscribeEvent(typePattern string, handler EventHandler) (string, error)

	// UnsubscribeEvent removes a subscription. Unknown ids are a no-op.
	UnsubscribeEvent(subscriptionID string)

	// GetSetting reads from the installation's settings namespace.
	GetSetting(path string) (any, bool)

	// SetSetting writes into the installation's settings namespace.
	SetSetting(path string, value any) error

	// CheckOutbound applies the network mediation policy to an outbound
	// reference. A nil return means allowed.
	CheckOutbound(rawURL string) error

	// CacheGet reads from the installation's session cache.
	CacheGet(key string) (any, bool)

	// CachePut writes into the installation's session cache. The cache is
	// wiped when the context is destroyed.
	CachePut(key string, value any)
}
