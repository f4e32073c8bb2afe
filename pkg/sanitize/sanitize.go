// Package sanitize strips control characters and normalizes line endings
// out of a parsed JSON value before it reaches schema validation.
package sanitize

import "strings"

// Value recursively sanitizes a decoded JSON value (map[string]any,
// []any, string, or any other scalar). Idempotent: sanitizing an already
// sanitized value returns it unchanged.
func Value(v any) any {
	switch val := v.(type) {
	case string:
		return String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = Value(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Value(child)
		}
		return out
	default:
		return v
	}
}

// String strips C0 control characters other than tab and line feed, and
// collapses CRLF/CR into LF.
func String(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
