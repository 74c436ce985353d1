// Package luavm is the isolation boundary for extension code. Each
// execution context owns one sandboxed gopher-lua state: the standard
// libraries are opened selectively, code-loading globals are stripped,
// require is whitelist-based, and every host capability reaches the VM
// only through explicitly injected host modules. All VM access is
// serialized through a single-goroutine executor, and bounded calls carry
// a context so a deadline aborts the VM instead of orphaning it.
package luavm
