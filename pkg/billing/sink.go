package billing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NullSink drops every usage record; used when no payment-events sink is
// configured. Flush still dequeues and immediately succeeds, so the
// queue never backs up in environments that don't bill.
type NullSink struct{}

func (NullSink) RecordUsage(ctx context.Context, stripeItem string, units int, ts time.Time) error {
	return nil
}

// StripeSink posts usage increments to Stripe's usage-records API, the
// external payment-events sink spec.md §1 calls out as a narrow
// out-of-scope collaborator.
type StripeSink struct {
	APIKey string
	Client *http.Client
}

func NewStripeSink(apiKey string) *StripeSink {
	return &StripeSink{APIKey: apiKey, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *StripeSink) RecordUsage(ctx context.Context, stripeItem string, units int, ts time.Time) error {
	if s.APIKey == "" {
		return fmt.Errorf("billing: stripe sink: no api key configured")
	}
	form := fmt.Sprintf("quantity=%d&timestamp=%d&action=increment", units, ts.Unix())
	url := fmt.Sprintf("https://api.stripe.com/v1/subscription_items/%s/usage_records", stripeItem)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(form))
	if err != nil {
		return fmt.Errorf("billing: stripe sink: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.APIKey, "")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("billing: stripe sink: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		_, _ = io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("billing: stripe sink: status %d", resp.StatusCode)
	}
	return nil
}
