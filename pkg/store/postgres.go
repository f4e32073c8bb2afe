package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	trace_id TEXT NOT NULL,
	hop INTEGER NOT NULL,
	ts TEXT NOT NULL,
	tenant TEXT NOT NULL,
	cid TEXT NOT NULL,
	canon TEXT NOT NULL,
	algo TEXT NOT NULL,
	prev_receipt_hash TEXT,
	policy JSONB NOT NULL,
	receipt_hash TEXT NOT NULL,
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	fu_tokens INTEGER NOT NULL DEFAULT 0,
	semantic_violations JSONB,
	PRIMARY KEY (trace_id, hop)
);

CREATE TABLE IF NOT EXISTS heads (
	trace_id TEXT PRIMARY KEY,
	last_hop INTEGER NOT NULL,
	last_receipt_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency (
	api_key TEXT NOT NULL,
	key TEXT NOT NULL,
	body BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (api_key, key)
);

CREATE TABLE IF NOT EXISTS usage_ledger (
	id BIGSERIAL PRIMARY KEY,
	api_key TEXT NOT NULL,
	tenant TEXT NOT NULL,
	trace_id TEXT NOT NULL,
	hop INTEGER NOT NULL,
	verified BOOLEAN NOT NULL,
	vex_units INTEGER NOT NULL,
	fu_tokens INTEGER NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS billing_queue (
	id BIGSERIAL PRIMARY KEY,
	api_key TEXT NOT NULL,
	stripe_item TEXT NOT NULL,
	units INTEGER NOT NULL,
	ts BIGINT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0
);
`

// Postgres implements Store over lib/pq, using SELECT ... FOR UPDATE on
// the head row as its compare-and-swap primitive in place of SQLite's
// BEGIN IMMEDIATE, per spec.md §9's requirement that both backends
// expose identical ChainConflict semantics.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an already-open, already-migrated database
// handle. Callers that need to inject a test double (e.g. go-sqlmock)
// without this package re-running the schema migration use this instead
// of OpenPostgres.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Append(ctx context.Context, r *Receipt, expectedPrev string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastHop int
	var lastHash string
	row := tx.QueryRowContext(ctx, `SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = $1 FOR UPDATE`, r.TraceID)
	err = row.Scan(&lastHop, &lastHash)
	switch {
	case err == sql.ErrNoRows:
		if expectedPrev != "" {
			return ErrChainConflict
		}
		r.Hop = 1
		r.PrevReceiptHash = ""
	case err != nil:
		return fmt.Errorf("store: read head: %w", err)
	default:
		if expectedPrev != lastHash {
			return ErrChainConflict
		}
		r.Hop = lastHop + 1
		r.PrevReceiptHash = lastHash
	}

	receiptHash, err := BuildReceiptHash(r)
	if err != nil {
		return fmt.Errorf("store: hash receipt: %w", err)
	}
	r.ReceiptHash = receiptHash

	policyJSON, err := json.Marshal(r.Policy)
	if err != nil {
		return fmt.Errorf("store: marshal policy: %w", err)
	}
	violationsJSON, err := json.Marshal(r.SemanticViolation)
	if err != nil {
		return fmt.Errorf("store: marshal violations: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (trace_id, hop, ts, tenant, cid, canon, algo, prev_receipt_hash, policy, receipt_hash, fallback_used, fu_tokens, semantic_violations)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.TraceID, r.Hop, r.TS, r.Tenant, r.CID, r.Canon, r.Algo, nullable(r.PrevReceiptHash), policyJSON, r.ReceiptHash, r.FallbackUsed, r.FUTokens, violationsJSON,
	)
	if err != nil {
		return fmt.Errorf("store: insert receipt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heads (trace_id, last_hop, last_receipt_hash) VALUES ($1,$2,$3)
		ON CONFLICT (trace_id) DO UPDATE SET last_hop = excluded.last_hop, last_receipt_hash = excluded.last_receipt_hash`,
		r.TraceID, r.Hop, r.ReceiptHash,
	)
	if err != nil {
		return fmt.Errorf("store: upsert head: %w", err)
	}

	return tx.Commit()
}

func (p *Postgres) Chain(ctx context.Context, traceID string) ([]Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trace_id, hop, ts, tenant, cid, canon, algo, prev_receipt_hash, policy, receipt_hash, fallback_used, fu_tokens, semantic_violations
		FROM receipts WHERE trace_id = $1 ORDER BY hop ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("store: query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var prevHash sql.NullString
		var policyJSON, violationsJSON []byte
		if err := rows.Scan(&r.TraceID, &r.Hop, &r.TS, &r.Tenant, &r.CID, &r.Canon, &r.Algo, &prevHash, &policyJSON, &r.ReceiptHash, &r.FallbackUsed, &r.FUTokens, &violationsJSON); err != nil {
			return nil, fmt.Errorf("store: scan receipt: %w", err)
		}
		r.PrevReceiptHash = prevHash.String
		if len(policyJSON) > 0 {
			_ = json.Unmarshal(policyJSON, &r.Policy)
		}
		if len(violationsJSON) > 0 {
			_ = json.Unmarshal(violationsJSON, &r.SemanticViolation)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Head(ctx context.Context, traceID string) (*Head, error) {
	var h Head
	h.TraceID = traceID
	row := p.db.QueryRowContext(ctx, `SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = $1`, traceID)
	if err := row.Scan(&h.LastHop, &h.LastReceiptHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read head: %w", err)
	}
	return &h, nil
}

func (p *Postgres) Get(ctx context.Context, apiKey, key string) ([]byte, bool, error) {
	var body []byte
	var expiresAt time.Time
	row := p.db.QueryRowContext(ctx, `SELECT body, expires_at FROM idempotency WHERE api_key = $1 AND key = $2`, apiKey, key)
	if err := row.Scan(&body, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: read idempotency: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, false, nil
	}
	return body, true, nil
}

func (p *Postgres) Put(ctx context.Context, apiKey, key string, body []byte, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency (api_key, key, body, expires_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (api_key, key) DO NOTHING`, apiKey, key, body, expires)
	if err != nil {
		return fmt.Errorf("store: write idempotency: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, e UsageEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (api_key, tenant, trace_id, hop, verified, vex_units, fu_tokens, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.APIKey, e.Tenant, e.TraceID, e.Hop, e.Verified, e.VExUnits, e.FUTokens, e.TS)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

func (p *Postgres) MonthlyUsage(ctx context.Context, tenant string, period string) (int, int, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(vex_units), 0), COALESCE(SUM(fu_tokens), 0)
		FROM usage_ledger WHERE tenant = $1 AND to_char(ts, 'YYYY-MM') = $2`, tenant, period)
	var vex, fu int
	if err := row.Scan(&vex, &fu); err != nil {
		return 0, 0, fmt.Errorf("store: monthly usage: %w", err)
	}
	return vex, fu, nil
}

func (p *Postgres) Enqueue(ctx context.Context, apiKey, stripeItem string, units int, ts int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_queue (api_key, stripe_item, units, ts, retries) VALUES ($1,$2,$3,$4,0)`,
		apiKey, stripeItem, units, ts)
	if err != nil {
		return fmt.Errorf("store: enqueue billing: %w", err)
	}
	return nil
}

func (p *Postgres) Dequeue(ctx context.Context, limit int) ([]BillingItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, api_key, stripe_item, units, ts, retries FROM billing_queue ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: dequeue billing: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BillingItem
	for rows.Next() {
		var it BillingItem
		if err := rows.Scan(&it.ID, &it.APIKey, &it.StripeItem, &it.Units, &it.TS, &it.Retries); err != nil {
			return nil, fmt.Errorf("store: scan billing item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := p.db.ExecContext(ctx, `DELETE FROM billing_queue WHERE id = $1`, id); err != nil {
			return fmt.Errorf("store: delete billing item %d: %w", id, err)
		}
	}
	return nil
}

func (p *Postgres) BumpRetries(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := p.db.ExecContext(ctx, `UPDATE billing_queue SET retries = retries + 1 WHERE id = $1`, id); err != nil {
			return fmt.Errorf("store: bump retries %d: %w", id, err)
		}
	}
	return nil
}
