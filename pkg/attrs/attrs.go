// Package attrs reads values back out of slog-style key/value argument lists.
package attrs

import "fmt"

// ExtractString returns the value stored under key in a [key1, value1, key2, value2, ...]
// slice. Strings are returned as-is and fmt.Stringer values (ids, states) are
// rendered. Missing keys and other value types yield "".
func ExtractString(kv []any, key string) string {
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || k != key {
			continue
		}
		switch v := kv[i+1].(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		}
		return ""
	}
	return ""
}
