package luavm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultCallStackSize bounds the Lua call stack per state.
const DefaultCallStackSize = 120

// DefaultInstructionLimit is the per-call budget of charged instruction
// units. gopher-lua exposes no per-instruction hook, so units are charged
// at mediation points (host module calls); the context deadline remains
// the hard wall-clock bound.
const DefaultInstructionLimit = 10_000_000

// State wraps one sandboxed gopher-lua state.
//
// LState is not goroutine-safe. All operations on a State must come from a
// single goroutine; the executor provides that discipline. The mutex here
// only protects the closed flag against a concurrent Close.
type State struct {
	L *lua.LState

	mu     sync.Mutex
	closed bool

	instructionLimit int64
	instructionCount atomic.Int64
	quotaTripped     atomic.Bool
	quotaCancel      context.CancelFunc
}

// StateOption configures a State.
type StateOption func(*State)

// WithInstructionLimit sets the per-call instruction budget. Zero or
// negative disables the quota.
func WithInstructionLimit(n int64) StateOption {
	return func(s *State) {
		s.instructionLimit = n
	}
}

// NewState creates a sandboxed Lua state: selective standard libraries,
// code-loading globals removed, require whitelisted. Host modules are
// injected separately by the execution environment.
func NewState(opts ...StateOption) *State {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       DefaultCallStackSize,
		IncludeGoStackTrace: false,
	})

	openSafeLibraries(L)
	s := &State{L: L, instructionLimit: DefaultInstructionLimit}
	for _, opt := range opts {
		opt(s)
	}
	s.installRestrictions()
	return s
}

// openSafeLibraries opens only the standard libraries that carry no host
// access: package (needed for require and the preload table, immediately
// restricted), base, table, string, math. io, os and debug stay closed;
// filesystem and process access exist solely through host modules.
func openSafeLibraries(L *lua.LState) {
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// dangerousGlobals are base-library entry points that load arbitrary code
// and would bypass the require whitelist.
var dangerousGlobals = []string{"dofile", "loadfile", "load", "loadstring"}

// safeModules may be required without any capability.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// HostModulePrefix is the namespace for preloaded host modules. require
// only resolves names under it or in the safe-module whitelist.
const HostModulePrefix = "host."

func (s *State) installRestrictions() {
	L := s.L

	for _, name := range dangerousGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	// Empty the module search paths so nothing loads from disk, and strip
	// anything pre-registered in package.loaded beyond the safe builtins.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))

		if loaded, ok := L.GetField(pkg, "loaded").(*lua.LTable); ok {
			keepLoaded := map[string]bool{
				"_G": true, "package": true,
				"string": true, "table": true, "math": true,
			}
			var drop []string
			loaded.ForEach(func(k, _ lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !keepLoaded[string(ks)] {
					drop = append(drop, string(ks))
				}
			})
			for _, key := range drop {
				loaded.RawSetString(key, lua.LNil)
			}
		}
	}

	// Whitelist-based require: safe builtins and preloaded host modules
	// only. Everything else raises inside the VM.
	originalRequire := L.GetGlobal("require")
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		allowed := safeModules[modName] ||
			modName == "host" ||
			strings.HasPrefix(modName, HostModulePrefix)
		if !allowed {
			L.RaiseError("module %q is not available", modName)
			return 0
		}

		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// PreloadModule registers a host module under the given name so extension
// code can require it.
func (s *State) PreloadModule(name string, loader lua.LGFunction) {
	s.L.PreloadModule(name, loader)
}

// SetGlobal sets a global in the VM.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.L.SetGlobal(name, value)
}

// DoString executes Lua source under the given context. A context
// deadline aborts the VM mid-execution; the error is normalized to
// ErrTimeout.
func (s *State) DoString(ctx context.Context, code string) error {
	if s.IsClosed() {
		return ErrStateClosed
	}
	return s.bounded(ctx, func() error {
		return s.L.DoString(code)
	})
}

// CallValue invokes a Lua function value with the given arguments under
// the context's deadline and returns its results.
func (s *State) CallValue(ctx context.Context, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	if s.IsClosed() {
		return nil, ErrStateClosed
	}
	if fn == nil || fn.Type() != lua.LTFunction {
		return nil, errors.New("value is not a function")
	}

	var results []lua.LValue
	err := s.bounded(ctx, func() error {
		top := s.L.GetTop()
		s.L.Push(fn)
		for _, arg := range args {
			s.L.Push(arg)
		}
		if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}
		n := s.L.GetTop() - top
		results = make([]lua.LValue, 0, n)
		for i := 0; i < n; i++ {
			results = append(results, s.L.Get(top+i+1))
		}
		s.L.Pop(n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// CallGlobal invokes a global Lua function by name.
func (s *State) CallGlobal(ctx context.Context, name string, args ...lua.LValue) ([]lua.LValue, error) {
	fn := s.L.GetGlobal(name)
	if fn == lua.LNil {
		return nil, fmt.Errorf("function %q not found", name)
	}
	return s.CallValue(ctx, fn, args...)
}

// HasGlobal reports whether a global function of the given name exists.
func (s *State) HasGlobal(name string) bool {
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// ChargeInstructions adds n units to the running call's budget. When the
// budget is exhausted the call's context is cancelled, aborting the VM,
// and the bounding call returns ErrInstructionLimit. Safe to call from
// host functions executing inside the VM.
func (s *State) ChargeInstructions(n int64) {
	if s.instructionLimit <= 0 {
		return
	}
	if s.instructionCount.Add(n) <= s.instructionLimit {
		return
	}
	if s.quotaTripped.CompareAndSwap(false, true) {
		s.mu.Lock()
		cancel := s.quotaCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// InstructionCount returns the units charged so far in the current call.
func (s *State) InstructionCount() int64 {
	return s.instructionCount.Load()
}

// bounded runs fn with a cancellable context installed on the VM so a
// deadline, cancellation, or a tripped instruction quota aborts execution
// mid-call, with panic recovery around the VM call. The quota counter
// resets per call.
func (s *State) bounded(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.instructionCount.Store(0)
	s.quotaTripped.Store(false)
	s.mu.Lock()
	s.quotaCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.quotaCancel = nil
		s.mu.Unlock()
	}()

	s.L.SetContext(callCtx)
	defer s.L.RemoveContext()

	err = fn()
	if err != nil {
		if s.quotaTripped.Load() {
			return ErrInstructionLimit
		}
		if ctx.Err() != nil {
			return ErrTimeout
		}
	}
	return err
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the VM. Idempotent.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}
