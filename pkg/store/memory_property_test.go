//go:build property
// +build property

package store_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/signet-gw/gateway/pkg/store"
)

// TestChainHopsAreContiguousAndLinked checks spec.md §8 universal
// property 2: for any sequence of appends to one trace, hops are dense
// starting at 1 and each hop's prev_receipt_hash equals the previous
// hop's receipt_hash.
func TestChainHopsAreContiguousAndLinked(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appending N times in sequence produces a dense, linked chain", prop.ForAll(
		func(n int) bool {
			if n <= 0 {
				return true
			}
			if n > 50 {
				n = 50
			}
			m := store.NewMemory()
			ctx := context.Background()
			prev := ""
			for i := 0; i < n; i++ {
				r := &store.Receipt{TraceID: "t", Policy: map[string]any{}}
				if err := m.Append(ctx, r, prev); err != nil {
					return false
				}
				if r.Hop != i+1 {
					return false
				}
				prev = r.ReceiptHash
			}
			chain, err := m.Chain(ctx, "t")
			if err != nil || len(chain) != n {
				return false
			}
			for i, r := range chain {
				if r.Hop != i+1 {
					return false
				}
				if i > 0 && r.PrevReceiptHash != chain[i-1].ReceiptHash {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
