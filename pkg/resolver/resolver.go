// Package resolver resolves a hostname and classifies every returned
// address, rejecting loopback, private, and link-local targets before
// the gateway will forward to them.
package resolver

import (
	"context"
	"net"
	"net/netip"

	"golang.org/x/net/idna"
)

const (
	ReasonLoopback         = "HEL_RESOLVED_LOOPBACK"
	ReasonPrivate          = "HEL_RESOLVED_PRIVATE"
	ReasonLinkLocal        = "HEL_RESOLVED_LINKLOCAL"
	ReasonNoResolution     = "HEL_NO_RESOLUTION"
	ReasonResolutionFailed = "HEL_RESOLUTION_FAILED"
	ReasonOK               = "ok"
)

// Resolver resolves hostnames to public addresses. The zero value uses
// net.DefaultResolver.
type Resolver struct {
	Lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
}

func New() *Resolver {
	return &Resolver{Lookup: net.DefaultResolver.LookupIPAddr}
}

// Resolve IDN-encodes host, resolves it, and classifies each address. It
// does not cache beyond whatever the underlying system resolver does, so
// it never outlives a single exchange's DNS TTL.
func (r *Resolver) Resolve(ctx context.Context, host string) (allowed bool, reason string, addrs []netip.Addr) {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return false, ReasonResolutionFailed, nil
	}

	lookup := r.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	ipAddrs, err := lookup(ctx, ascii)
	if err != nil {
		return false, ReasonResolutionFailed, nil
	}
	if len(ipAddrs) == 0 {
		return false, ReasonNoResolution, nil
	}

	for _, a := range ipAddrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		addrs = append(addrs, addr)
		if addr.IsLoopback() {
			return false, ReasonLoopback, addrs
		}
		if isPrivate(addr) {
			return false, ReasonPrivate, addrs
		}
		if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
			return false, ReasonLinkLocal, addrs
		}
	}
	if len(addrs) == 0 {
		return false, ReasonNoResolution, nil
	}
	return true, ReasonOK, addrs
}

// isPrivate reports the RFC 1918 (IPv4) and RFC 4193 unique-local (IPv6)
// ranges via netip's IsPrivate; carrier-grade NAT (100.64.0.0/10) is not
// treated as private.
func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate()
}
