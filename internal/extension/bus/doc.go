// Package bus implements the extension event bus, the only communication
// channel between installations and the host. Every emit is re-checked
// against the live security context, payloads are sanitized once before
// storage and dispatch, and each handler is individually fault-isolated.
package bus
