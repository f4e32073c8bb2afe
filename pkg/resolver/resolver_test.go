package resolver

import (
	"context"
	"net"
	"testing"
)

func withLookup(addrs []net.IPAddr, err error) func(context.Context, string) ([]net.IPAddr, error) {
	return func(context.Context, string) ([]net.IPAddr, error) { return addrs, err }
}

func TestResolveRejectsLoopback(t *testing.T) {
	r := &Resolver{Lookup: withLookup([]net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil)}
	allowed, reason, _ := r.Resolve(context.Background(), "localhost")
	if allowed {
		t.Fatal("expected loopback to be rejected")
	}
	if reason != ReasonLoopback {
		t.Fatalf("expected %s, got %s", ReasonLoopback, reason)
	}
}

func TestResolveRejectsPrivateRange(t *testing.T) {
	r := &Resolver{Lookup: withLookup([]net.IPAddr{{IP: net.ParseIP("10.0.0.5")}}, nil)}
	allowed, reason, _ := r.Resolve(context.Background(), "internal.example.com")
	if allowed {
		t.Fatal("expected private address to be rejected")
	}
	if reason != ReasonPrivate {
		t.Fatalf("expected %s, got %s", ReasonPrivate, reason)
	}
}

func TestResolveRejectsLinkLocal(t *testing.T) {
	r := &Resolver{Lookup: withLookup([]net.IPAddr{{IP: net.ParseIP("169.254.1.1")}}, nil)}
	allowed, reason, _ := r.Resolve(context.Background(), "metadata.example.com")
	if allowed {
		t.Fatal("expected link-local address to be rejected")
	}
	if reason != ReasonLinkLocal {
		t.Fatalf("expected %s, got %s", ReasonLinkLocal, reason)
	}
}

func TestResolveAllowsPublicAddress(t *testing.T) {
	r := &Resolver{Lookup: withLookup([]net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil)}
	allowed, reason, addrs := r.Resolve(context.Background(), "example.com")
	if !allowed {
		t.Fatalf("expected public address to be allowed, reason=%s", reason)
	}
	if reason != ReasonOK {
		t.Fatalf("expected ok reason, got %s", reason)
	}
	if len(addrs) != 1 {
		t.Fatalf("expected 1 resolved address, got %d", len(addrs))
	}
}

func TestResolveRejectsEmptyResolution(t *testing.T) {
	r := &Resolver{Lookup: withLookup(nil, nil)}
	allowed, reason, _ := r.Resolve(context.Background(), "nowhere.example.com")
	if allowed {
		t.Fatal("expected empty resolution to be rejected")
	}
	if reason != ReasonNoResolution {
		t.Fatalf("expected %s, got %s", ReasonNoResolution, reason)
	}
}

func TestResolveRejectsOneBadAddressAmongGood(t *testing.T) {
	// DNS rebinding style response: one public, one private address.
	r := &Resolver{Lookup: withLookup([]net.IPAddr{
		{IP: net.ParseIP("93.184.216.34")},
		{IP: net.ParseIP("10.0.0.1")},
	}, nil)}
	allowed, reason, _ := r.Resolve(context.Background(), "mixed.example.com")
	if allowed {
		t.Fatal("expected mixed-resolution host to be rejected")
	}
	if reason != ReasonPrivate {
		t.Fatalf("expected %s, got %s", ReasonPrivate, reason)
	}
}
