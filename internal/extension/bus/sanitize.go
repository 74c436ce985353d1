package bus

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

// FunctionPlaceholder replaces function and channel values in sanitized
// payloads.
const FunctionPlaceholder = "[function removed]"

// blockedKeys are map keys dropped outright from sanitized payloads. They
// are the classic prototype-pollution vectors carried over from dynamic
// payloads produced by extensions.
var blockedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

func keyBlocked(key string) bool {
	return blockedKeys[key] || strings.HasPrefix(key, "__")
}

// sanitizePayload makes a value safe for storage and cross-boundary
// transit. Functions and channels become a placeholder string, error
// values become a plain {name, message, stack} record, slices are
// sanitized element-wise, and maps drop blocked keys and recurse into the
// remaining values. It runs once at emit time.
func sanitizePayload(v any) any {
	return sanitizeValue(v, 0)
}

// maxSanitizeDepth guards against payloads with pathological nesting or
// cycles built through any-typed containers.
const maxSanitizeDepth = 32

func sanitizeValue(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth > maxSanitizeDepth {
		return nil
	}

	if err, ok := v.(error); ok {
		return map[string]any{
			"name":    fmt.Sprintf("%T", err),
			"message": err.Error(),
			"stack":   string(debug.Stack()),
		}
	}

	switch tv := v.(type) {
	case []byte:
		return tv
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			if keyBlocked(k) {
				continue
			}
			out[k] = sanitizeValue(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = sanitizeValue(val, depth+1)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan:
		return FunctionPlaceholder
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return sanitizeValue(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			if keyBlocked(key) {
				continue
			}
			out[key] = sanitizeValue(iter.Value().Interface(), depth+1)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitizeValue(rv.Index(i).Interface(), depth+1)
		}
		return out
	default:
		return v
	}
}
