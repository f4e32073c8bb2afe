package signer

import "encoding/base64"

// JWK is a single Octet Key Pair JSON Web Key, RFC 8037.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

// JWKSDocument is the body returned from /.well-known/jwks.json.
type JWKSDocument struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the published verifying key, or an empty set when signing
// is disabled.
func (s *Ed25519Signer) JWKS() JWKSDocument {
	if s == nil {
		return JWKSDocument{Keys: []JWK{}}
	}
	return JWKSDocument{Keys: []JWK{s.jwk()}}
}

func (s *Ed25519Signer) jwk() JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		Alg: "EdDSA",
		Use: "sig",
		Kid: s.kid,
		X:   base64.RawURLEncoding.EncodeToString(s.pub),
	}
}

// JWKSWithTenants returns the master verifying key plus one derived key
// per tenant name, so that a signature produced under a tenant-derived
// key (see DeriveForTenant) still verifies against a kid published on
// this document.
func (s *Ed25519Signer) JWKSWithTenants(tenantNames []string) JWKSDocument {
	if s == nil {
		return JWKSDocument{Keys: []JWK{}}
	}
	keys := []JWK{s.jwk()}
	for _, name := range tenantNames {
		derived, err := s.DeriveForTenant(name)
		if err != nil || derived == nil {
			continue
		}
		keys = append(keys, derived.jwk())
	}
	return JWKSDocument{Keys: keys}
}
