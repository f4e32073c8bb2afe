// Package invariant checks that an LLM-repaired JSON object has not
// silently corrupted the business-critical fields of the original text:
// amounts, currencies, ids, required fields, numeric ranges, date
// formats, and known enums.
package invariant

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Violation describes one failed rule.
type Violation struct {
	Rule    string `json:"rule"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Options configures rule thresholds.
type Options struct {
	// AmountTolerance is the maximum fractional change an "amount"-named
	// field may undergo before it is flagged, e.g. 0.01 for 1%.
	AmountTolerance float64
}

// DefaultOptions mirrors the original implementation's inherited 1%
// tolerance (spec.md §9 Open Question: kept rather than tightened).
func DefaultOptions() Options {
	return Options{AmountTolerance: 0.01}
}

var enumFields = map[string][]string{
	"status":         {"pending", "paid", "cancelled", "draft"},
	"type":           {"invoice", "credit_note", "receipt"},
	"payment_method": {"cash", "card", "bank_transfer", "check"},
}

var criticalFieldSubstrings = []string{
	"amount", "currency", "invoice_id", "customer_name",
	"id", "uuid", "reference", "total", "subtotal",
}

var idFieldSubstrings = []string{"id", "uuid", "reference", "number", "code"}

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),
	regexp.MustCompile(`\d{2}-\d{2}-\d{4}`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`),
}

// Check validates that repaired preserves the semantic invariants of
// original. original is the raw (possibly malformed) source text;
// repaired is the already-parsed candidate object.
func Check(originalText string, repaired map[string]any, opts Options) (ok bool, violations []Violation) {
	original := extractOriginal(originalText)
	repairedFlat := flatten(repaired, "")

	violations = append(violations, checkAmounts(original, repairedFlat, opts)...)
	violations = append(violations, checkCurrency(original, repairedFlat)...)
	violations = append(violations, checkIDs(original, repairedFlat)...)
	violations = append(violations, checkRequiredFields(original, repairedFlat)...)
	violations = append(violations, checkNumericRanges(original, repairedFlat)...)
	violations = append(violations, checkDateFormats(original, repairedFlat)...)
	violations = append(violations, checkEnums(original, repairedFlat)...)

	return len(violations) == 0, violations
}

// extractOriginal parses original as JSON; on failure falls back to a
// regex-based key/value scraper, matching the original implementation's
// best-effort behavior against malformed source text.
func extractOriginal(text string) map[string]any {
	var v map[string]any
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&v); err == nil {
		return flatten(v, "")
	}
	return extractPartial(text)
}

var (
	strPattern  = regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]*)"`)
	numPattern  = regexp.MustCompile(`"([^"]+)"\s*:\s*(-?\d+\.?\d*)`)
	boolPattern = regexp.MustCompile(`"([^"]+)"\s*:\s*(true|false|null)`)
)

func extractPartial(text string) map[string]any {
	out := map[string]any{}
	for _, m := range strPattern.FindAllStringSubmatch(text, -1) {
		out[m[1]] = m[2]
	}
	for _, m := range numPattern.FindAllStringSubmatch(text, -1) {
		if f, err := strconv.ParseFloat(m[2], 64); err == nil {
			out[m[1]] = f
		}
	}
	for _, m := range boolPattern.FindAllStringSubmatch(text, -1) {
		switch m[2] {
		case "true":
			out[m[1]] = true
		case "false":
			out[m[1]] = false
		case "null":
			out[m[1]] = nil
		}
	}
	return out
}

// flatten walks a nested JSON value into a dotted-path → value map, the
// same "extract_recursive" shape the original implementation uses to
// make nested fields addressable by a flat field-name substring match.
func flatten(v any, prefix string) map[string]any {
	out := map[string]any{}
	flattenInto(v, prefix, out)
	return out
}

func flattenInto(v any, prefix string, out map[string]any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			out[key] = child
			switch child.(type) {
			case map[string]any, []any:
				flattenInto(child, key, out)
			}
		}
	case []any:
		for i, item := range val {
			key := fmt.Sprintf("%s[%d]", prefix, i)
			out[key] = item
			switch item.(type) {
			case map[string]any, []any:
				flattenInto(item, key, out)
			}
		}
	}
}

func toDecimal(v any) (float64, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case float64:
		return val, true
	case int:
		return float64(val), true
	case string:
		cleaned := stripNonNumeric(val)
		if cleaned == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var nonNumericRe = regexp.MustCompile(`[^\d.\-]`)

func stripNonNumeric(s string) string {
	return nonNumericRe.ReplaceAllString(s, "")
}

func decimalPlaces(v any) int {
	s := fmt.Sprint(v)
	if n, ok := v.(json.Number); ok {
		s = string(n)
	}
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(s) - idx - 1
}

func checkAmounts(original, repaired map[string]any, opts Options) []Violation {
	var out []Violation
	tolerance := opts.AmountTolerance
	if tolerance <= 0 {
		tolerance = 0.01
	}
	for field, origVal := range original {
		if !strings.Contains(strings.ToLower(field), "amount") {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		origDec, ok1 := toDecimal(origVal)
		repDec, ok2 := toDecimal(repVal)
		if !ok1 || !ok2 {
			out = append(out, Violation{
				Rule: "amount_precision", Field: field,
				Message: fmt.Sprintf("amount format changed: %v -> %v", origVal, repVal),
			})
			continue
		}
		if origDec != 0 && math.Abs(origDec-repDec) > math.Abs(origDec*tolerance) {
			out = append(out, Violation{
				Rule: "amount_precision", Field: field,
				Message: fmt.Sprintf("amount changed significantly: %v -> %v", origDec, repDec),
			})
		}
		if decimalPlaces(repVal) < decimalPlaces(origVal) {
			out = append(out, Violation{
				Rule: "amount_precision", Field: field,
				Message: fmt.Sprintf("precision loss in amount field: %s", field),
			})
		}
	}
	return out
}

func checkCurrency(original, repaired map[string]any) []Violation {
	var out []Violation
	for field, origVal := range original {
		lower := strings.ToLower(field)
		if !strings.Contains(lower, "currency") && !strings.Contains(lower, "curr") {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		o := strings.ToUpper(fmt.Sprint(origVal))
		r := strings.ToUpper(fmt.Sprint(repVal))
		if o != r {
			out = append(out, Violation{
				Rule: "currency_unchanged", Field: field,
				Message: fmt.Sprintf("currency code changed: %s -> %s", o, r),
			})
		}
	}
	return out
}

func checkIDs(original, repaired map[string]any) []Violation {
	var out []Violation
	for field, origVal := range original {
		lower := strings.ToLower(field)
		matched := false
		for _, p := range idFieldSubstrings {
			if strings.Contains(lower, p) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		o := strings.TrimSpace(fmt.Sprint(origVal))
		r := strings.TrimSpace(fmt.Sprint(repVal))
		if o != r {
			out = append(out, Violation{
				Rule: "ids_unchanged", Field: field,
				Message: fmt.Sprintf("id field changed: %s -> %s", o, r),
			})
		}
	}
	return out
}

func checkRequiredFields(original, repaired map[string]any) []Violation {
	var out []Violation
	for field := range original {
		lower := strings.ToLower(field)
		for _, c := range criticalFieldSubstrings {
			if strings.Contains(lower, c) {
				if _, present := repaired[field]; !present {
					out = append(out, Violation{
						Rule: "required_fields", Field: field,
						Message: fmt.Sprintf("critical field removed: %s", field),
					})
				}
				break
			}
		}
	}
	return out
}

func checkNumericRanges(original, repaired map[string]any) []Violation {
	var out []Violation
	for field, origVal := range original {
		repVal, present := repaired[field]
		if !present {
			continue
		}
		o, ok1 := numeric(origVal)
		r, ok2 := numeric(repVal)
		if !ok1 || !ok2 || o == 0 || r == 0 {
			continue
		}
		ratio := math.Abs(r / o)
		if ratio > 10 || ratio < 0.1 {
			out = append(out, Violation{
				Rule: "numeric_ranges", Field: field,
				Message: fmt.Sprintf("numeric value changed by order of magnitude: %v -> %v", origVal, repVal),
			})
		}
	}
	return out
}

func numeric(v any) (float64, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case float64:
		return val, true
	case int:
		return float64(val), true
	default:
		return 0, false
	}
}

func checkDateFormats(original, repaired map[string]any) []Violation {
	var out []Violation
	for field, origVal := range original {
		lower := strings.ToLower(field)
		if !strings.Contains(lower, "date") && !strings.Contains(lower, "time") {
			continue
		}
		repVal, present := repaired[field]
		if !present {
			continue
		}
		o := fmt.Sprint(origVal)
		r := fmt.Sprint(repVal)
		if isDateLike(o) && !isDateLike(r) {
			out = append(out, Violation{
				Rule: "date_formats", Field: field,
				Message: fmt.Sprintf("date format corrupted: %s -> %s", o, r),
			})
		}
	}
	return out
}

func isDateLike(s string) bool {
	for _, p := range datePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func checkEnums(original, repaired map[string]any) []Violation {
	var out []Violation
	for field, valid := range enumFields {
		origVal, ok1 := original[field]
		repVal, ok2 := repaired[field]
		if !ok1 || !ok2 {
			continue
		}
		o := strings.ToLower(fmt.Sprint(origVal))
		r := strings.ToLower(fmt.Sprint(repVal))
		if contains(valid, o) && !contains(valid, r) {
			out = append(out, Violation{
				Rule: "enum_values", Field: field,
				Message: fmt.Sprintf("invalid enum value: %s", r),
			})
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
