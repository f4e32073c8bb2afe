package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS receipts (
	trace_id TEXT NOT NULL,
	hop INTEGER NOT NULL,
	ts TEXT NOT NULL,
	tenant TEXT NOT NULL,
	cid TEXT NOT NULL,
	canon TEXT NOT NULL,
	algo TEXT NOT NULL,
	prev_receipt_hash TEXT,
	policy TEXT NOT NULL,
	receipt_hash TEXT NOT NULL,
	fallback_used INTEGER NOT NULL DEFAULT 0,
	fu_tokens INTEGER NOT NULL DEFAULT 0,
	semantic_violations TEXT,
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
	body BLOB NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (api_key, key)
);

CREATE TABLE IF NOT EXISTS usage_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	api_key TEXT NOT NULL,
	tenant TEXT NOT NULL,
	trace_id TEXT NOT NULL,
	hop INTEGER NOT NULL,
	verified INTEGER NOT NULL,
	vex_units INTEGER NOT NULL,
	fu_tokens INTEGER NOT NULL,
	ts TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS billing_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	api_key TEXT NOT NULL,
	stripe_item TEXT NOT NULL,
	units INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0
);
`

// SQLite implements Store over a modernc.org/sqlite database. The pool is
// limited to one connection, so each Append transaction holds the only
// connection and head compare-and-swaps run one at a time; the BEGIN
// IMMEDIATE that Append issues inside its transaction is best-effort.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; matches original single-connection design
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Append(ctx context.Context, r *Receipt, expectedPrev string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		// modernc's sql.Tx already opened a transaction; BEGIN IMMEDIATE
		// here is a best-effort upgrade and may no-op depending on driver
		// support. The row-level check below is the authoritative guard.
		_ = err
	}

	var lastHop int
	var lastHash string
	row := tx.QueryRowContext(ctx, `SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = ?`, r.TraceID)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TraceID, r.Hop, r.TS, r.Tenant, r.CID, r.Canon, r.Algo, nullable(r.PrevReceiptHash), policyJSON, r.ReceiptHash, boolToInt(r.FallbackUsed), r.FUTokens, violationsJSON,
	)
	if err != nil {
		return fmt.Errorf("store: insert receipt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO heads (trace_id, last_hop, last_receipt_hash) VALUES (?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET last_hop = excluded.last_hop, last_receipt_hash = excluded.last_receipt_hash`,
		r.TraceID, r.Hop, r.ReceiptHash,
	)
	if err != nil {
		return fmt.Errorf("store: upsert head: %w", err)
	}

	return tx.Commit()
}

func (s *SQLite) Chain(ctx context.Context, traceID string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, hop, ts, tenant, cid, canon, algo, prev_receipt_hash, policy, receipt_hash, fallback_used, fu_tokens, semantic_violations
		FROM receipts WHERE trace_id = ? ORDER BY hop ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("store: query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		var r Receipt
		var prevHash sql.NullString
		var policyJSON, violationsJSON []byte
		var fallbackUsed int
		if err := rows.Scan(&r.TraceID, &r.Hop, &r.TS, &r.Tenant, &r.CID, &r.Canon, &r.Algo, &prevHash, &policyJSON, &r.ReceiptHash, &fallbackUsed, &r.FUTokens, &violationsJSON); err != nil {
			return nil, fmt.Errorf("store: scan receipt: %w", err)
		}
		r.PrevReceiptHash = prevHash.String
		r.FallbackUsed = fallbackUsed != 0
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

func (s *SQLite) Head(ctx context.Context, traceID string) (*Head, error) {
	var h Head
	h.TraceID = traceID
	row := s.db.QueryRowContext(ctx, `SELECT last_hop, last_receipt_hash FROM heads WHERE trace_id = ?`, traceID)
	if err := row.Scan(&h.LastHop, &h.LastReceiptHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read head: %w", err)
	}
	return &h, nil
}

func (s *SQLite) Get(ctx context.Context, apiKey, key string) ([]byte, bool, error) {
	var body []byte
	var expiresAt string
	row := s.db.QueryRowContext(ctx, `SELECT body, expires_at FROM idempotency WHERE api_key = ? AND key = ?`, apiKey, key)
	if err := row.Scan(&body, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: read idempotency: %w", err)
	}
	if exp, err := time.Parse(time.RFC3339, expiresAt); err == nil && time.Now().After(exp) {
		return nil, false, nil
	}
	return body, true, nil
}

func (s *SQLite) Put(ctx context.Context, apiKey, key string, body []byte, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (api_key, key, body, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(api_key, key) DO NOTHING`, apiKey, key, body, expires)
	if err != nil {
		return fmt.Errorf("store: write idempotency: %w", err)
	}
	return nil
}

func (s *SQLite) Record(ctx context.Context, e UsageEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (api_key, tenant, trace_id, hop, verified, vex_units, fu_tokens, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.APIKey, e.Tenant, e.TraceID, e.Hop, boolToInt(e.Verified), e.VExUnits, e.FUTokens, e.TS.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

func (s *SQLite) MonthlyUsage(ctx context.Context, tenant string, period string) (int, int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(vex_units), 0), COALESCE(SUM(fu_tokens), 0)
		FROM usage_ledger WHERE tenant = ? AND substr(ts, 1, 7) = ?`, tenant, period)
	var vex, fu int
	if err := row.Scan(&vex, &fu); err != nil {
		return 0, 0, fmt.Errorf("store: monthly usage: %w", err)
	}
	return vex, fu, nil
}

func (s *SQLite) Enqueue(ctx context.Context, apiKey, stripeItem string, units int, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_queue (api_key, stripe_item, units, ts, retries) VALUES (?, ?, ?, ?, 0)`,
		apiKey, stripeItem, units, ts)
	if err != nil {
		return fmt.Errorf("store: enqueue billing: %w", err)
	}
	return nil
}

func (s *SQLite) Dequeue(ctx context.Context, limit int) ([]BillingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, api_key, stripe_item, units, ts, retries FROM billing_queue ORDER BY id ASC LIMIT ?`, limit)
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

func (s *SQLite) Delete(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM billing_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: delete billing item %d: %w", id, err)
		}
	}
	return nil
}

func (s *SQLite) BumpRetries(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE billing_queue SET retries = retries + 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("store: bump retries %d: %w", id, err)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
