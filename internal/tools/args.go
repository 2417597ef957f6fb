package tools

import (
	"fmt"
	"strconv"
)

// String returns args[key] as a string, or def when absent.
func String(args map[string]any, key, def string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			return def
		}
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Number returns args[key] as a float64, or def when absent or not numeric.
func Number(args map[string]any, key string, def float64) float64 {
	switch x := args[key].(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f
		}
	}
	return def
}

// Parameters builds an object schema from argument descriptions.
func Parameters(descriptions map[string]string, required ...string) map[string]any {
	props := make(map[string]any, len(descriptions))
	for k, v := range descriptions {
		props[k] = map[string]any{"description": v}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}
