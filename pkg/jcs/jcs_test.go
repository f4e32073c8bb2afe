package jcs

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeSortsObjectKeys(t *testing.T) {
	v := map[string]any{"b": 1.0, "a": 2.0, "c": 3.0}
	out, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestCanonicalizeIsDeterministicAcrossKeyOrder(t *testing.T) {
	a, _ := Canonicalize(map[string]any{"x": 1.0, "y": 2.0})
	b, _ := Canonicalize(map[string]any{"y": 2.0, "x": 1.0})
	if string(a) != string(b) {
		t.Fatalf("expected identical canon bytes, got %s vs %s", a, b)
	}
}

func TestCanonicalizeJSONPreservesIntegers(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"amount": 12345}`))
	if err != nil {
		t.Fatalf("canonicalize json: %v", err)
	}
	if string(out) != `{"amount":12345}` {
		t.Fatalf("got %s", out)
	}
}

func TestCanonicalizeRejectsNonFiniteFloat(t *testing.T) {
	_, err := Canonicalize(map[string]any{"x": json.Number("NaN")})
	if err == nil {
		t.Fatal("expected error for non-finite number")
	}
}

func TestCIDIsStableHashPrefix(t *testing.T) {
	cid, err := CID(map[string]any{"a": 1.0})
	if err != nil {
		t.Fatalf("cid: %v", err)
	}
	if len(cid) < 7 || cid[:7] != "sha256:" {
		t.Fatalf("expected sha256: prefix, got %s", cid)
	}
}

func TestCIDDiffersOnPayloadChange(t *testing.T) {
	c1, _ := CID(map[string]any{"a": 1.0})
	c2, _ := CID(map[string]any{"a": 2.0})
	if c1 == c2 {
		t.Fatal("expected different CIDs for different payloads")
	}
}

func TestWriteStringEscapesControlCharacters(t *testing.T) {
	out, err := Canonicalize("line\nbreak")
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(out) != `"line\nbreak"` {
		t.Fatalf("got %s", out)
	}
}

func TestWriteStringNormalizesToNFC(t *testing.T) {
	// "e" + combining acute accent (U+0065 U+0301) should normalize to U+00E9 (é).
	decomposed := "é"
	out, err := Canonicalize(decomposed)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	composed, _ := Canonicalize("é")
	if string(out) != string(composed) {
		t.Fatalf("expected NFC-normalized form to match, got %s vs %s", out, composed)
	}
}

func TestArrayOrderIsPreservedNotSorted(t *testing.T) {
	out, err := Canonicalize([]any{3.0, 1.0, 2.0})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(out) != "[3,1,2]" {
		t.Fatalf("expected array order preserved, got %s", out)
	}
}
