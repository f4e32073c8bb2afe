// Package jcs implements RFC 8785 JSON Canonicalization (JCS) and the
// content-identifier scheme used to fingerprint normalized payloads and
// receipts throughout the gateway.
package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalizationError is returned for values JCS cannot represent.
type CanonicalizationError struct {
	Reason string
}

func (e *CanonicalizationError) Error() string {
	return "jcs: " + e.Reason
}

// Canonicalize renders v (already unmarshaled into Go's generic JSON
// representation, i.e. map[string]any/[]any/float64/string/bool/nil) as
// the canonical byte string described by RFC 8785.
func Canonicalize(v any) ([]byte, error) {
	var buf strings.Builder
	if err := write(&buf, v); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

// CanonicalizeJSON parses raw JSON text and canonicalizes the result.
// json.Number is honored when present so integers outside float64's exact
// range survive the round trip.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("jcs: parse: %w", err)
	}
	return Canonicalize(v)
}

// CID computes the content identifier of v: "sha256:" + hex(sha256(canon(v))).
func CID(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes hashes already-canonicalized bytes into a content identifier.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func write(buf *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		writeString(buf, val)
		return nil
	case json.Number:
		return writeNumber(buf, val)
	case float64:
		return writeNumber(buf, json.Number(strconv.FormatFloat(val, 'g', -1, 64)))
	case int:
		buf.WriteString(strconv.Itoa(val))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case map[string]any:
		return writeObject(buf, val)
	case []any:
		return writeArray(buf, val)
	default:
		return &CanonicalizationError{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func writeObject(buf *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Keys are ordered by Unicode code point, which is the byte order of
	// their UTF-8 encoding. This matches RFC 8785's UTF-16 code-unit order
	// except where a supplementary-plane character and a character in
	// U+E000..U+FFFF meet at the same position of two keys.
	sort.Slice(keys, func(i, j int) bool { return lessCodepoint(keys[i], keys[j]) })

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := write(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *strings.Builder, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := write(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func lessCodepoint(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	for i := 0; i < len(ra) && i < len(rb); i++ {
		if ra[i] != rb[i] {
			return ra[i] < rb[i]
		}
	}
	return len(ra) < len(rb)
}

// writeString NFC-normalizes, then escapes per RFC 8785: only the
// mandatory escapes plus control characters, no ASCII-only escaping of
// valid characters above U+007F.
func writeString(buf *strings.Builder, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeNumber(buf *strings.Builder, n json.Number) error {
	s := string(n)
	if f, err := n.Float64(); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &CanonicalizationError{Reason: "non-finite float"}
		}
		if f == 0 {
			buf.WriteByte('0')
			return nil
		}
	}
	if i, err := n.Int64(); err == nil && !strings.ContainsAny(s, ".eE") {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return &CanonicalizationError{Reason: "unrepresentable number: " + s}
	}
	buf.WriteString(formatShortestRoundTrip(f))
	return nil
}

// formatShortestRoundTrip renders f as the shortest decimal string that
// round-trips to the same float64, with no exponent for magnitudes JCS
// expects as plain decimals ([1e-6, 1e21)) and ECMAScript-style exponents
// (1e+21, 1e-7) outside that range.
func formatShortestRoundTrip(f float64) string {
	if abs := math.Abs(f); abs == 0 || (abs >= 1e-6 && abs < 1e21) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
}
