// Package keys implements JWK / JWK Set handling for receipt verification:
// RFC 7638 thumbprints, kid-or-thumbprint key lookup, and conversion of EC
// P-256 and OKP Ed25519 JWKs into crypto types.
//
// The package never performs network I/O. Fetching a JWKS from wherever it
// is published is the caller's responsibility; verification works fully
// offline given a receipt and a key set.
package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/certnode/core/pkg/canonicalize"
	"github.com/certnode/core/pkg/receipt"
)

// JWK is a JSON Web Key. Only public-key members are modeled; receipts are
// verified, never signed, with JWKS material.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Thumbprint computes the RFC 7638 thumbprint of a JWK: the unpadded
// base64url SHA-256 of the canonical required-members object.
// EC P-256 hashes {crv,kty,x,y}; OKP Ed25519 hashes {crv,kty,x}.
func Thumbprint(k *JWK) (string, error) {
	var canonical map[string]any

	switch {
	case k.Kty == "EC" && k.Crv == "P-256":
		if k.X == "" || k.Y == "" {
			return "", receipt.NewFormatError("jwk", "EC P-256 key missing x or y")
		}
		canonical = map[string]any{"crv": k.Crv, "kty": k.Kty, "x": k.X, "y": k.Y}
	case k.Kty == "OKP" && k.Crv == "Ed25519":
		if k.X == "" {
			return "", receipt.NewFormatError("jwk", "Ed25519 key missing x")
		}
		canonical = map[string]any{"crv": k.Crv, "kty": k.Kty, "x": k.X}
	default:
		return "", &receipt.UnsupportedKeyError{Kty: k.Kty, Crv: k.Crv}
	}

	b, err := canonicalize.JCS(canonical)
	if err != nil {
		return "", fmt.Errorf("thumbprint canonicalization: %w", err)
	}
	return canonicalize.HashB64URL(b), nil
}

// FindKey resolves kid against a JWKS, matching by RFC 7638 thumbprint
// first, then by the kid field. Returns KeyNotFoundError when nothing
// matches.
func FindKey(jwks *JWKS, kid string) (*JWK, error) {
	if jwks == nil || kid == "" {
		return nil, &receipt.KeyNotFoundError{Kid: kid}
	}
	for i := range jwks.Keys {
		k := &jwks.Keys[i]
		if tp, err := Thumbprint(k); err == nil && tp == kid {
			return k, nil
		}
		if k.Kid == kid {
			return k, nil
		}
	}
	return nil, &receipt.KeyNotFoundError{Kid: kid}
}

// ParseJWKS decodes and validates a JWKS document.
func ParseJWKS(data []byte) (*JWKS, error) {
	var jwks JWKS
	if err := json.Unmarshal(data, &jwks); err != nil {
		return nil, receipt.NewFormatError("jwks", fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := ValidateJWKS(&jwks); err != nil {
		return nil, err
	}
	return &jwks, nil
}

// ValidateJWKS checks the structural shape of every key in the set.
func ValidateJWKS(jwks *JWKS) error {
	if jwks == nil {
		return receipt.NewFormatError("jwks", "nil key set")
	}
	if len(jwks.Keys) == 0 {
		return receipt.NewFormatError("jwks", "key set has no keys")
	}
	for i := range jwks.Keys {
		k := &jwks.Keys[i]
		switch {
		case k.Kty == "EC" && k.Crv == "P-256":
			if _, err := ECPublicKey(k); err != nil {
				return fmt.Errorf("key %d: %w", i, err)
			}
		case k.Kty == "OKP" && k.Crv == "Ed25519":
			if _, err := Ed25519PublicKey(k); err != nil {
				return fmt.Errorf("key %d: %w", i, err)
			}
		default:
			return &receipt.UnsupportedKeyError{Kty: k.Kty, Crv: k.Crv}
		}
	}
	return nil
}

// ECPublicKey converts an EC P-256 JWK to an *ecdsa.PublicKey, rejecting
// off-curve points.
func ECPublicKey(k *JWK) (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, &receipt.UnsupportedKeyError{Kty: k.Kty, Crv: k.Crv}
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, receipt.NewFormatError("jwk", "invalid x coordinate encoding")
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, receipt.NewFormatError("jwk", "invalid y coordinate encoding")
	}
	if len(x) != 32 || len(y) != 32 {
		return nil, receipt.NewFormatError("jwk", "P-256 coordinates must be 32 bytes")
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, receipt.NewFormatError("jwk", "point is not on curve")
	}
	return pub, nil
}

// Ed25519PublicKey converts an OKP Ed25519 JWK to an ed25519.PublicKey.
func Ed25519PublicKey(k *JWK) (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return nil, &receipt.UnsupportedKeyError{Kty: k.Kty, Crv: k.Crv}
	}
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, receipt.NewFormatError("jwk", "invalid x coordinate encoding")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, receipt.NewFormatError("jwk", "Ed25519 public key must be 32 bytes")
	}
	return ed25519.PublicKey(raw), nil
}

// FromECPublicKey builds the JWK form of an ECDSA P-256 public key, for
// publishing a JWKS next to issued receipts.
func FromECPublicKey(pub *ecdsa.PublicKey, kid string) (*JWK, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return nil, &receipt.UnsupportedKeyError{Kty: "EC", Crv: "unknown"}
	}
	xb := pub.X.FillBytes(make([]byte, 32))
	yb := pub.Y.FillBytes(make([]byte, 32))
	return &JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(xb),
		Y:   base64.RawURLEncoding.EncodeToString(yb),
		Kid: kid,
	}, nil
}
