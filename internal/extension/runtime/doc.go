// Package runtime implements the execution context: the lifecycle state
// machine around one sandboxed VM, the restricted host environment
// injected into it, and the bounded entry points for running extension
// code. All host capabilities reach the VM through a HostAPI instance
// bound to one installation; the VM never holds a direct reference to the
// bus, the settings store, or the security manager.
package runtime
