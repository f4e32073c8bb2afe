// Package store defines the gateway's persistent substrate: the receipt
// chain with optimistic-concurrency append, the idempotency cache, the
// usage ledger, and the billing queue. Two concrete backends (SQLite,
// Postgres) implement the same interfaces with identical ChainConflict
// semantics.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/signet-gw/gateway/pkg/jcs"
)

// ErrChainConflict is returned when an append's expected_prev does not
// match the current head for the trace. No state changes on conflict.
var ErrChainConflict = errors.New("CHAIN_CONFLICT")

// Receipt is one hop of a trace's hash-linked chain.
type Receipt struct {
	TraceID           string         `json:"trace_id"`
	Hop               int            `json:"hop"`
	TS                string         `json:"ts"`
	Tenant            string         `json:"tenant"`
	CID               string         `json:"cid"`
	Canon             string         `json:"canon"`
	Algo              string         `json:"algo"`
	PrevReceiptHash   string         `json:"prev_receipt_hash,omitempty"`
	Policy            map[string]any `json:"policy"`
	ReceiptHash       string         `json:"receipt_hash"`
	FallbackUsed      bool           `json:"fallback_used,omitempty"`
	FUTokens          int            `json:"fu_tokens,omitempty"`
	SemanticViolation []string       `json:"semantic_violations,omitempty"`
}

// Head is the per-trace pointer to the latest appended receipt.
type Head struct {
	TraceID         string
	LastHop         int
	LastReceiptHash string
}

// ChainStore appends receipts under optimistic concurrency control and
// reads back chains.
type ChainStore interface {
	// Append inserts receipt as the next hop for its trace. expectedPrev
	// must equal the current head's last receipt hash (empty string for
	// a trace's first hop). On mismatch, returns ErrChainConflict and
	// makes no changes. receipt.Hop is assigned by the store, not the
	// caller.
	Append(ctx context.Context, receipt *Receipt, expectedPrev string) error
	// Chain returns all receipts for traceID ordered by hop ascending.
	Chain(ctx context.Context, traceID string) ([]Receipt, error)
	// Head returns the current head for traceID, or (nil, nil) if the
	// trace has no receipts yet.
	Head(ctx context.Context, traceID string) (*Head, error)
}

// IdempotencyStore caches exchange responses keyed by (apiKey, key).
type IdempotencyStore interface {
	Get(ctx context.Context, apiKey, key string) (body []byte, found bool, err error)
	Put(ctx context.Context, apiKey, key string, body []byte, ttl time.Duration) error
}

// UsageEntry is one append-only usage-ledger row.
type UsageEntry struct {
	APIKey   string
	Tenant   string
	TraceID  string
	Hop      int
	Verified bool
	VExUnits int
	FUTokens int
	TS       time.Time
}

// UsageLedger records VEx/FU consumption and answers monthly rollups.
type UsageLedger interface {
	Record(ctx context.Context, e UsageEntry) error
	MonthlyUsage(ctx context.Context, tenant string, period string) (vexUnits, fuTokens int, err error)
}

// BillingItem is one FIFO billing-queue entry.
type BillingItem struct {
	ID         int64
	APIKey     string
	StripeItem string
	Units      int
	TS         int64
	Retries    int
}

// BillingQueue is the FIFO outbox drained by pkg/billing's flush loop.
type BillingQueue interface {
	Enqueue(ctx context.Context, apiKey, stripeItem string, units int, ts int64) error
	Dequeue(ctx context.Context, limit int) ([]BillingItem, error)
	Delete(ctx context.Context, ids []int64) error
	BumpRetries(ctx context.Context, ids []int64) error
}

// Store bundles every substrate the exchange handler needs behind one
// handle, matching how the teacher's server wiring threads a single
// storage object through the pipeline.
type Store interface {
	ChainStore
	IdempotencyStore
	UsageLedger
	BillingQueue
	Close() error
}

// BuildReceiptHash canonicalizes r with ReceiptHash cleared and hashes
// the result, per spec.md §4.11/§3's reproducibility invariant. Callers
// MUST invoke this only after r.Hop and r.PrevReceiptHash hold their
// final values (i.e. from inside an Append implementation, under the
// same lock/transaction that determined the next hop) — hashing a
// receipt before those fields are finalized produces a receipt_hash
// that does not match what gets persisted.
func BuildReceiptHash(r *Receipt) (string, error) {
	clone := *r
	clone.ReceiptHash = ""
	raw, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	m, _ := v.(map[string]any)
	delete(m, "receipt_hash")
	return jcs.CID(m)
}
