// Package repair implements the best-effort JSON repair ladder and the
// external LLM fallback-provider contract used when heuristics fail.
package repair

import (
	"encoding/json"
	"regexp"
	"strings"
)

var trailingCommaRe = regexp.MustCompile(`,\s*([\]}])`)

// Heuristic runs the parse ladder from the spec, stopping at the first
// step that successfully parses raw as JSON. Returns (value, true) on
// success, (nil, false) otherwise. Pure; performs no I/O.
func Heuristic(raw string) (any, bool) {
	if v, ok := tryParse(raw); ok {
		return v, true
	}

	noTrailing := trailingCommaRe.ReplaceAllString(raw, "$1")
	if v, ok := tryParse(noTrailing); ok {
		return v, true
	}

	if hasSingleQuoteOnly(noTrailing) {
		swapped := swapQuotes(noTrailing)
		if v, ok := tryParse(swapped); ok {
			return v, true
		}
	}

	unescaped := decodeEscapes(noTrailing)
	if v, ok := tryParse(unescaped); ok {
		return v, true
	}

	return nil, false
}

func tryParse(s string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// hasSingleQuoteOnly reports whether s contains ASCII apostrophes and is
// not already a mix of both quote styles (i.e. swapping would not be
// ambiguous).
func hasSingleQuoteOnly(s string) bool {
	return strings.Contains(s, "'") && !(strings.Contains(s, "'") && strings.Contains(s, `"`))
}

func swapQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `"`)
}

// decodeEscapes applies a single pass of standard JSON escape-sequence
// decoding to text that may have come through double-escaped (e.g. a
// string that was itself JSON-encoded once more than expected).
func decodeEscapes(s string) string {
	replacer := strings.NewReplacer(
		`\n`, "\n",
		`\t`, "\t",
		`\"`, `"`,
		`\\`, `\`,
	)
	return replacer.Replace(s)
}
