package broker

import (
	"encoding/json"
	"fmt"
)

// NormalizeArguments coerces raw tool-call arguments into a map.
// JSON strings are parsed; parse failures and non-object values
// yield an empty map. This is protocol-independent.
func NormalizeArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		if v == "" {
			return map[string]any{}
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return map[string]any{}
		}
		return parsed
	default:
		return map[string]any{}
	}
}

// NormalizeChunk converts an arbitrary downstream chunk value into text.
// Strings pass through; string lists concatenate; other lists and maps
// are JSON-encoded; nil becomes empty; anything else is stringified.
func NormalizeChunk(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		allStrings := true
		for _, item := range c {
			if _, ok := item.(string); !ok {
				allStrings = false
				break
			}
		}
		if allStrings {
			var out string
			for _, item := range c {
				out += item.(string)
			}
			return out
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(data)
	case []string:
		var out string
		for _, item := range c {
			out += item
		}
		return out
	case map[string]any:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", c)
	}
}
