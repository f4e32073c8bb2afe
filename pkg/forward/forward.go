// Package forward sends the normalized payload to its forward_url over
// an HTTPS connection pinned to a specific resolved address, defeating
// DNS-rebinding between the HEL policy check and the outbound request
// while preserving certificate validation against the original hostname.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"net/url"
	"net/netip"
	"time"

	"github.com/signet-gw/gateway/pkg/resolver"
)

const (
	connectTimeout  = 3 * time.Second
	readTimeout     = 10 * time.Second
	maxResponseSize = 1 << 20 // 1 MiB
	maxErrorLen     = 200
)

// Result is the outcome returned in the exchange response's "forwarded"
// field.
type Result struct {
	StatusCode   int    `json:"status_code"`
	Host         string `json:"host"`
	ResponseSize int    `json:"response_size,omitempty"`
	PinnedIP     string `json:"pinned_ip,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SelectPublicIP picks one address from addrs deterministically by
// hashing the hostname, so repeated calls for the same host land on the
// same address when DNS round-robins, without needing sticky state.
func SelectPublicIP(host string, addrs []netip.Addr) (netip.Addr, bool) {
	if len(addrs) == 0 {
		return netip.Addr{}, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	idx := int(h.Sum32()) % len(addrs)
	if idx < 0 {
		idx += len(addrs)
	}
	return addrs[idx], true
}

// Forward resolves forwardURL's host, pins the connection to one
// resolved public address, and POSTs payload as JSON. Transport
// failures are reported in Result (status 599) rather than as an error
// return, matching spec.md §4.10/§7: a forward failure never fails the
// surrounding exchange.
func Forward(ctx context.Context, res *resolver.Resolver, forwardURL string, payload any) Result {
	u, err := url.Parse(forwardURL)
	if err != nil {
		return Result{StatusCode: 599, Error: truncate(err.Error())}
	}
	host := u.Hostname()

	if res == nil {
		res = resolver.New()
	}
	ok, reason, addrs := res.Resolve(ctx, host)
	if !ok {
		return Result{StatusCode: 599, Host: host, Error: truncate("resolution rejected: " + reason)}
	}
	pinned, ok := SelectPublicIP(host, addrs)
	if !ok {
		return Result{StatusCode: 599, Host: host, Error: truncate("no public address available")}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{StatusCode: 599, Host: host, Error: truncate(err.Error())}
	}

	client := pinnedClient(host, pinned)

	reqCtx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, forwardURL, bytes.NewReader(body))
	if err != nil {
		return Result{StatusCode: 599, Host: host, Error: truncate(err.Error())}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Host = host

	resp, err := client.Do(req)
	if err != nil {
		return Result{StatusCode: 599, Host: host, PinnedIP: pinned.String(), Error: truncate(err.Error())}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.ContentLength > maxResponseSize {
		return Result{StatusCode: 413, Host: host, PinnedIP: pinned.String(), Error: "response too large"}
	}

	limited := io.LimitReader(resp.Body, maxResponseSize+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return Result{StatusCode: 599, Host: host, PinnedIP: pinned.String(), Error: truncate(err.Error())}
	}
	if len(respBody) > maxResponseSize {
		return Result{StatusCode: 413, Host: host, PinnedIP: pinned.String(), Error: "response body exceeds 1 MiB"}
	}

	return Result{
		StatusCode:   resp.StatusCode,
		Host:         host,
		ResponseSize: len(respBody),
		PinnedIP:     pinned.String(),
	}
}

// pinnedClient dials the chosen IP directly while setting TLS SNI and
// certificate-hostname validation to the original hostname, and refuses
// to follow redirects (a redirect could point off the pinned address).
func pinnedClient(originalHost string, pinned netip.Addr) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				port = "443"
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.String(), port))
		},
		TLSClientConfig: &tls.Config{
			ServerName: originalHost,
			MinVersion: tls.VersionTLS12,
		},
		ResponseHeaderTimeout: readTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   connectTimeout + readTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
