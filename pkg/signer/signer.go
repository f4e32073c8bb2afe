// Package signer provides Ed25519 signing of export bundles and
// publication of the verifying key as a JWKS document.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/signet-gw/gateway/pkg/jcs"
)

// Signer signs export bundles and reports the key id used.
type Signer interface {
	// SignExport returns the export-signature envelope for a bundle
	// already rendered through jcs.Canonicalize.
	SignExport(bundleCID, traceID, exportedAt string) (signatureB64 string, kid string)
	// JWKS returns the published key set, possibly empty if unsigned.
	JWKS() JWKSDocument
	KID() string
}

// Ed25519Signer loads a 32-byte seed and key id from configuration.
// A nil *Ed25519Signer is valid and represents "signing disabled":
// exports are returned unsigned and JWKS() returns an empty key set.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	kid  string
}

// New constructs a signer from a base64url-unpadded 32-byte seed.
// An empty seed returns (nil, nil): signing is disabled.
func New(seedB64 string, kid string) (*Ed25519Signer, error) {
	if seedB64 == "" {
		return nil, nil
	}
	seed, err := base64.RawURLEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("signer: decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if kid == "" {
		return nil, errors.New("signer: kid required when private key is configured")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		kid:  kid,
	}, nil
}

// GenerateSeed produces a fresh random Ed25519 seed and a kid derived
// from its public key, for the `gatewayd keygen` operator workflow.
func GenerateSeed() (seedB64, kid string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("signer: generate key: %w", err)
	}
	seed := priv.Seed()
	seedB64 = base64.RawURLEncoding.EncodeToString(seed)
	kid = base64.RawURLEncoding.EncodeToString(pub)[:16]
	return seedB64, kid, nil
}

// SignedBytes reconstructs the exact byte sequence that is signed, per
// spec: bundle_cid ++ "|" ++ trace_id ++ "|" ++ exported_at.
func SignedBytes(bundleCID, traceID, exportedAt string) []byte {
	return []byte(bundleCID + "|" + traceID + "|" + exportedAt)
}

func (s *Ed25519Signer) SignExport(bundleCID, traceID, exportedAt string) (string, string) {
	if s == nil {
		return "", ""
	}
	sig := ed25519.Sign(s.priv, SignedBytes(bundleCID, traceID, exportedAt))
	return base64.RawURLEncoding.EncodeToString(sig), s.kid
}

func (s *Ed25519Signer) KID() string {
	if s == nil {
		return ""
	}
	return s.kid
}

// DeriveForTenant derives a tenant-specific signer from the master seed
// via HKDF-SHA256, so that per-tenant export bundles can be signed and
// verified under a distinct key without provisioning separate secrets
// per tenant. The master signer's seed is the IKM and the tenant id is
// the info parameter, so derivation is deterministic and repeatable.
func (s *Ed25519Signer) DeriveForTenant(tenantID string) (*Ed25519Signer, error) {
	if s == nil {
		return nil, nil
	}
	if tenantID == "" {
		return nil, errors.New("signer: tenantID must not be empty")
	}
	seed := s.priv.Seed()
	r := hkdf.New(sha256.New, seed, []byte("signet-gw-tenant-kdf"), []byte(tenantID))
	tenantSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, tenantSeed); err != nil {
		return nil, fmt.Errorf("signer: derive tenant seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(tenantSeed)
	pub := priv.Public().(ed25519.PublicKey)
	kid := base64.RawURLEncoding.EncodeToString(pub)[:16]
	return &Ed25519Signer{priv: priv, pub: pub, kid: kid}, nil
}

// VerifySignature validates sigB64 against the given JWK over the
// reconstructed signed bytes.
func VerifySignature(jwk JWK, bundleCID, traceID, exportedAt, sigB64 string) (bool, error) {
	if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
		return false, fmt.Errorf("signer: unsupported jwk kty/crv %q/%q", jwk.Kty, jwk.Crv)
	}
	pub, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return false, fmt.Errorf("signer: decode jwk.x: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("signer: decode signature: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signer: bad public key size %d", len(pub))
	}
	return ed25519.Verify(pub, SignedBytes(bundleCID, traceID, exportedAt), sig), nil
}

// ExportEnvelope is the signature metadata attached to an export bundle.
type ExportEnvelope struct {
	BundleCID  string `json:"bundle_cid"`
	ExportedAt string `json:"exported_at"`
	Signature  string `json:"signature,omitempty"`
	KID        string `json:"kid,omitempty"`
}

// SignBundle canonicalizes bundle, computes its CID, and signs it if a
// signer is configured (s may be nil).
func SignBundle(s *Ed25519Signer, bundle any, traceID, exportedAt string) (ExportEnvelope, error) {
	cid, err := jcs.CID(bundle)
	if err != nil {
		return ExportEnvelope{}, err
	}
	env := ExportEnvelope{BundleCID: cid, ExportedAt: exportedAt}
	if s != nil {
		sig, kid := s.SignExport(cid, traceID, exportedAt)
		env.Signature = sig
		env.KID = kid
	}
	return env, nil
}
