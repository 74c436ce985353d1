package luavm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func TestDangerousGlobalsRemoved(t *testing.T) {
	s := NewState()
	defer s.Close()

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		if v := s.L.GetGlobal(name); v != lua.LNil {
			t.Errorf("%s should be removed, got %T", name, v)
		}
	}
}

func TestSafeLibrariesAvailable(t *testing.T) {
	s := NewState()
	defer s.Close()

	err := s.DoString(context.Background(), `
		assert(type(string.rep) == "function")
		assert(type(table.insert) == "function")
		assert(type(math.floor) == "function")
	`)
	if err != nil {
		t.Fatalf("safe libraries unavailable: %v", err)
	}
}

func TestHostLibrariesClosed(t *testing.T) {
	s := NewState()
	defer s.Close()

	err := s.DoString(context.Background(), `
		assert(io == nil, "io should be closed")
		assert(os == nil, "os should be closed")
		assert(debug == nil, "debug should be closed")
	`)
	if err != nil {
		t.Fatalf("host libraries reachable: %v", err)
	}
}

func TestRequireWhitelist(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"safe builtin", `local s = require("string")`, false},
		{"io blocked", `require("io")`, true},
		{"os blocked", `require("os")`, true},
		{"debug blocked", `require("debug")`, true},
		{"arbitrary blocked", `require("socket")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState()
			defer s.Close()
			err := s.DoString(context.Background(), tt.code)
			if (err != nil) != tt.wantErr {
				t.Errorf("DoString(%q) error = %v, wantErr %v", tt.code, err, tt.wantErr)
			}
		})
	}
}

func TestRequirePreloadedHostModule(t *testing.T) {
	s := NewState()
	defer s.Close()

	s.PreloadModule("host.demo", func(L *lua.LState) int {
		mod := L.NewTable()
		L.SetField(mod, "answer", lua.LNumber(42))
		L.Push(mod)
		return 1
	})

	err := s.DoString(context.Background(), `
		local demo = require("host.demo")
		assert(demo.answer == 42)
	`)
	if err != nil {
		t.Fatalf("preloaded host module unavailable: %v", err)
	}
}

func TestRequireMachineryPresent(t *testing.T) {
	s := NewState()
	defer s.Close()

	// SkipOpenLibs suppresses the package library unless it is opened
	// explicitly; without it require is nil and preloading host modules
	// has nothing to hang them on.
	if v := s.L.GetGlobal("require"); v.Type() != lua.LTFunction {
		t.Fatalf("require = %v (%T), want function", v, v)
	}
	pkg, ok := s.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		t.Fatalf("package global missing")
	}
	if preload := s.L.GetField(pkg, "preload"); preload.Type() != lua.LTTable {
		t.Fatalf("package.preload = %v, want table", preload)
	}
}

func TestInstructionLimitAbortsCall(t *testing.T) {
	s := NewState(WithInstructionLimit(50))
	defer s.Close()

	s.PreloadModule("host.work", func(L *lua.LState) int {
		mod := L.NewTable()
		L.SetField(mod, "step", L.NewFunction(func(L *lua.LState) int {
			s.ChargeInstructions(1)
			return 0
		}))
		L.Push(mod)
		return 1
	})

	err := s.DoString(context.Background(), `
		local work = require("host.work")
		for i = 1, 1000 do work.step() end
	`)
	if !errors.Is(err, ErrInstructionLimit) {
		t.Fatalf("DoString(over budget) error = %v, want ErrInstructionLimit", err)
	}

	// The budget is per call: the next call starts from zero.
	err = s.DoString(context.Background(), `
		local work = require("host.work")
		for i = 1, 10 do work.step() end
	`)
	if err != nil {
		t.Fatalf("DoString(within budget) error = %v", err)
	}
	if got := s.InstructionCount(); got != 10 {
		t.Errorf("InstructionCount() = %d, want 10", got)
	}
}

func TestInstructionLimitDisabled(t *testing.T) {
	s := NewState(WithInstructionLimit(0))
	defer s.Close()

	s.PreloadModule("host.work", func(L *lua.LState) int {
		mod := L.NewTable()
		L.SetField(mod, "step", L.NewFunction(func(L *lua.LState) int {
			s.ChargeInstructions(1)
			return 0
		}))
		L.Push(mod)
		return 1
	})

	err := s.DoString(context.Background(), `
		local work = require("host.work")
		for i = 1, 100 do work.step() end
	`)
	if err != nil {
		t.Fatalf("DoString with quota disabled error = %v", err)
	}
}

func TestCallGlobal(t *testing.T) {
	s := NewState()
	defer s.Close()

	if err := s.DoString(context.Background(), `function double(n) return n * 2 end`); err != nil {
		t.Fatal(err)
	}

	rets, err := s.CallGlobal(context.Background(), "double", lua.LNumber(21))
	if err != nil {
		t.Fatalf("CallGlobal() error = %v", err)
	}
	if len(rets) != 1 || rets[0] != lua.LNumber(42) {
		t.Errorf("CallGlobal() = %v, want [42]", rets)
	}

	if _, err := s.CallGlobal(context.Background(), "missing"); err == nil {
		t.Error("CallGlobal(missing) succeeded, want error")
	}
}

func TestDoStringTimeoutAbortsVM(t *testing.T) {
	s := NewState()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.DoString(ctx, `while true do end`)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("DoString(busy loop) error = %v, want ErrTimeout", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("busy loop ran %v before abort", elapsed)
	}
}

func TestLuaErrorSurfaced(t *testing.T) {
	s := NewState()
	defer s.Close()

	err := s.DoString(context.Background(), `error("extension blew up")`)
	if err == nil || !strings.Contains(err.Error(), "extension blew up") {
		t.Fatalf("DoString() error = %v, want extension error text", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := NewState()
	s.Close()
	s.Close()
	if err := s.DoString(context.Background(), `return 1`); !errors.Is(err, ErrStateClosed) {
		t.Fatalf("DoString after close error = %v, want ErrStateClosed", err)
	}
}
