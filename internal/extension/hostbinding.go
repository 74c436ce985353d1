package extension

import (
	"github.com/dshills/hivedesk/internal/extension/bus"
	"github.com/dshills/hivedesk/internal/extension/manifest"
	"github.com/dshills/hivedesk/internal/extension/runtime"
)

// hostBinding is the per-installation capability surface handed to an
// execution context. Every method defers to the live components, so a
// revoked security context takes effect for VM calls already wired in.
type hostBinding struct {
	sys            *System
	installationID string
}

var _ runtime.HostAPI = (*hostBinding)(nil)

func (h *hostBinding) HasPermission(p manifest.Permission) bool {
	return h.sys.security.HasPermission(h.installationID, p)
}

func (h *hostBinding) EmitEvent(eventType string, payload any) bool {
	return h.sys.bus.Emit(h.installationID, eventType, payload) != nil
}

func (h *hostBinding) SubscribeEvent(typePattern string, handler runtime.EventHandler) (string, error) {
	return h.sys.bus.Subscribe(h.installationID, typePattern, func(e bus.Event) error {
		handler(e.Type, e.Payload)
		return nil
	})
}

func (h *hostBinding) UnsubscribeEvent(subscriptionID string) {
	h.sys.bus.Unsubscribe(subscriptionID)
}

func (h *hostBinding) GetSetting(path string) (any, bool) {
	return h.sys.store.Get(h.installationID, path)
}

func (h *hostBinding) SetSetting(path string, value any) error {
	return h.sys.store.Set(h.installationID, path, value)
}

func (h *hostBinding) CheckOutbound(rawURL string) error {
	return h.sys.sandbox.CheckOutbound(h.installationID, rawURL)
}

func (h *hostBinding) CacheGet(key string) (any, bool) {
	return h.sys.sandbox.CacheGet(h.installationID, key)
}

func (h *hostBinding) CachePut(key string, value any) {
	h.sys.sandbox.CachePut(h.installationID, key, value)
}
