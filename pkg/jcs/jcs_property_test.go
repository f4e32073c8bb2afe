//go:build property
// +build property

package jcs_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/signet-gw/gateway/pkg/jcs"
)

// TestCanonicalizeRoundTrips checks spec.md §8 universal property 3:
// canon(parse(canon(x))) == canon(x) for arbitrary flat JSON objects.
func TestCanonicalizeRoundTrips(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalization is idempotent under re-parse", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := map[string]any{}
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			first, err := jcs.Canonicalize(obj)
			if err != nil {
				return false
			}
			reparsed, err := jcs.CanonicalizeJSON(first)
			if err != nil {
				return false
			}
			return string(first) == string(reparsed)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("object key order never changes the output", prop.ForAll(
		func(a, b, c string) bool {
			obj1 := map[string]any{"a": a, "b": b, "c": c}
			obj2 := map[string]any{"c": c, "a": a, "b": b}
			out1, err1 := jcs.Canonicalize(obj1)
			out2, err2 := jcs.Canonicalize(obj2)
			return err1 == nil && err2 == nil && string(out1) == string(out2)
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}
