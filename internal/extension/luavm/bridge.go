package luavm

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value to a plain Go value: booleans, numbers
// (integers when exact), strings, and tables as either []any or
// map[string]any. Functions and userdata convert to nil; they never cross
// the boundary. Circular tables are broken at the revisit.
func ToGo(lv lua.LValue) any {
	return toGo(lv, make(map[*lua.LTable]bool))
}

func toGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	default:
		return nil
	}
}

// tableToGo renders a table as a slice when its keys form the contiguous
// sequence 1..n, and as a string-keyed map otherwise.
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN := 0
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok {
			isArray = false
			return
		}
		n := int(kn)
		if float64(n) != float64(kn) || n < 1 {
			isArray = false
			return
		}
		if n > maxN {
			maxN = n
		}
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		default:
			key = k.String()
		}
		m[key] = toGo(v, visited)
	})
	return m
}

// ToLua converts a plain Go value to a Lua value on the given state.
// Unsupported types become nil rather than leaking host references into
// the VM.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for i, elem := range val {
			t.RawSetInt(i+1, ToLua(L, elem))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, elem := range val {
			t.RawSetInt(i+1, lua.LString(elem))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, elem := range val {
			t.RawSetString(k, ToLua(L, elem))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, elem := range val {
			t.RawSetString(k, lua.LString(elem))
		}
		return t
	case lua.LValue:
		// Already a Lua value; must be checked before fmt.Stringer or
		// types like lua.LString would be re-wrapped as their String()
		// form.
		return val
	case fmt.Stringer:
		return lua.LString(val.String())
	default:
		return lua.LNil
	}
}
