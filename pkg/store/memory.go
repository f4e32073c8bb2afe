package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. It
// implements the same ChainConflict semantics as the SQL backends under
// a single mutex, grounded on the teacher's MemoryIdempotencyStore
// pattern (a map guarded by one lock, TTL checked on read).
type Memory struct {
	mu sync.Mutex

	heads    map[string]Head
	receipts map[string][]Receipt
	idem     map[string]idemEntry
	usage    []UsageEntry
	billing  []BillingItem
	nextID   int64
}

type idemEntry struct {
	body      []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		heads:    map[string]Head{},
		receipts: map[string][]Receipt{},
		idem:     map[string]idemEntry{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Append(ctx context.Context, r *Receipt, expectedPrev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, ok := m.heads[r.TraceID]
	if !ok {
		if expectedPrev != "" {
			return ErrChainConflict
		}
		r.Hop = 1
		r.PrevReceiptHash = ""
	} else {
		if expectedPrev != head.LastReceiptHash {
			return ErrChainConflict
		}
		r.Hop = head.LastHop + 1
		r.PrevReceiptHash = head.LastReceiptHash
	}

	receiptHash, err := BuildReceiptHash(r)
	if err != nil {
		return err
	}
	r.ReceiptHash = receiptHash

	m.receipts[r.TraceID] = append(m.receipts[r.TraceID], *r)
	m.heads[r.TraceID] = Head{TraceID: r.TraceID, LastHop: r.Hop, LastReceiptHash: r.ReceiptHash}
	return nil
}

func (m *Memory) Chain(ctx context.Context, traceID string) ([]Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Receipt, len(m.receipts[traceID]))
	copy(out, m.receipts[traceID])
	return out, nil
}

func (m *Memory) Head(ctx context.Context, traceID string) (*Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heads[traceID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *Memory) Get(ctx context.Context, apiKey, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.idem[apiKey+"\x00"+key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.body, true, nil
}

func (m *Memory) Put(ctx context.Context, apiKey, key string, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := apiKey + "\x00" + key
	if _, exists := m.idem[k]; exists {
		return nil
	}
	m.idem[k] = idemEntry{body: body, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Record(ctx context.Context, e UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, e)
	return nil
}

func (m *Memory) MonthlyUsage(ctx context.Context, tenant string, period string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var vex, fu int
	for _, e := range m.usage {
		if e.Tenant != tenant {
			continue
		}
		if e.TS.Format("2006-01") != period {
			continue
		}
		vex += e.VExUnits
		fu += e.FUTokens
	}
	return vex, fu, nil
}

func (m *Memory) Enqueue(ctx context.Context, apiKey, stripeItem string, units int, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.billing = append(m.billing, BillingItem{ID: m.nextID, APIKey: apiKey, StripeItem: stripeItem, Units: units, TS: ts})
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, limit int) ([]BillingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.billing) {
		limit = len(m.billing)
	}
	out := make([]BillingItem, limit)
	copy(out, m.billing[:limit])
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	del := map[int64]bool{}
	for _, id := range ids {
		del[id] = true
	}
	var kept []BillingItem
	for _, it := range m.billing {
		if !del[it.ID] {
			kept = append(kept, it)
		}
	}
	m.billing = kept
	return nil
}

func (m *Memory) BumpRetries(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bump := map[int64]bool{}
	for _, id := range ids {
		bump[id] = true
	}
	for i := range m.billing {
		if bump[m.billing[i].ID] {
			m.billing[i].Retries++
		}
	}
	return nil
}
