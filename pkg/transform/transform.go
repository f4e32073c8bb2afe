// Package transform implements the gateway's mapping engine: a small
// JMESPath-like path/function language that assigns values from a source
// payload onto dotted target paths.
package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Mapping is the document shape: { "assign": { target_path: expr } }.
type Mapping struct {
	Assign map[string]string `json:"assign"`
}

// Apply evaluates every assignment in m against src and returns the
// resulting target object.
func Apply(m Mapping, src map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for target, expr := range m.Assign {
		val, err := Eval(expr, src)
		if err != nil {
			return nil, fmt.Errorf("transform: assign %q: %w", target, err)
		}
		assign(out, target, val)
	}
	return out, nil
}

// assign walks a dotted target path, creating intermediate objects as
// needed, and sets the terminal value.
func assign(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := root
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

// Eval evaluates a single expression: a literal, a path expression, or a
// function call.
func Eval(expr string, src map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if isStringLiteral(expr) {
		return unquote(expr), nil
	}
	if call, args, ok := parseCall(expr); ok {
		return evalCall(call, args, src)
	}
	return evalPath(expr, src)
}

func isStringLiteral(s string) bool {
	return len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\''
}

func unquote(s string) string {
	return s[1 : len(s)-1]
}

// parseCall recognizes `name(arg1, arg2, ...)`.
func parseCall(expr string) (name string, args []string, ok bool) {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	name = strings.TrimSpace(expr[:open])
	if name == "" || !isIdent(name) {
		return "", nil, false
	}
	inner := expr[open+1 : len(expr)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil, true
	}
	return name, splitArgs(inner), true
}

func isIdent(s string) bool {
	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func splitArgs(s string) []string {
	var args []string
	depth := 0
	inQuote := false
	start := 0
	for i, r := range s {
		switch r {
		case '\'':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(s[start:]))
	return args
}

func evalCall(name string, args []string, src map[string]any) (any, error) {
	fn, ok := Functions[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	vals := make([]any, len(args))
	for i, a := range args {
		v, err := Eval(a, src)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return fn(vals)
}

// evalPath evaluates dotted field access with optional bracketed array
// indices against src, e.g. "tool_calls[0].function.name".
func evalPath(path string, src map[string]any) (any, error) {
	var cur any = src
	for _, seg := range splitPath(path) {
		if seg.index >= 0 {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, nil
			}
			cur = arr[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur = m[seg.field]
	}
	return cur, nil
}

type pathSeg struct {
	field string
	index int
}

func splitPath(path string) []pathSeg {
	var segs []pathSeg
	for _, part := range strings.Split(path, ".") {
		field := part
		for {
			open := strings.IndexByte(field, '[')
			if open < 0 {
				segs = append(segs, pathSeg{field: field, index: -1})
				break
			}
			if open > 0 {
				segs = append(segs, pathSeg{field: field[:open], index: -1})
			}
			close := strings.IndexByte(field[open:], ']')
			if close < 0 {
				break
			}
			idxStr := field[open+1 : open+close]
			idx, err := strconv.Atoi(idxStr)
			if err != nil {
				idx = -1
			}
			segs = append(segs, pathSeg{index: idx})
			field = field[open+close+1:]
			if field == "" {
				break
			}
		}
	}
	return segs
}

// currencyScale is the fixed minor-unit scale table from spec.md §4.7.
var currencyScale = map[string]int{
	"USD": 2, "EUR": 2, "GBP": 2, "CNY": 2, "AUD": 2, "CAD": 2, "INR": 2,
	"JPY": 0,
}

// ToMinor converts a decimal amount to integer minor units, truncating
// toward zero (no rounding), per spec.md §4.7.
func ToMinor(amount float64, currency string) int64 {
	scale, ok := currencyScale[strings.ToUpper(currency)]
	if !ok {
		scale = 2
	}
	// Quantize the shortest decimal form of amount rather than the float
	// product, so 19.99 gives 1999 and not 1998.
	digits := strconv.FormatFloat(math.Abs(amount), 'f', -1, 64)
	whole, frac, _ := strings.Cut(digits, ".")
	frac += strings.Repeat("0", scale)
	n, _ := strconv.ParseInt(whole+frac[:scale], 10, 64)
	if amount < 0 {
		n = -n
	}
	return n
}
