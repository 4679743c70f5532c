// Package envelope builds and verifies the detached JWS envelope carried by
// every receipt. Signing is ES256 (ECDSA P-256 over SHA-256) with the
// payload canonicalized per RFC 8785, so any third party holding the JWKS
// can re-derive the hashes and verify entirely offline.
package envelope

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/certnode/core/pkg/canonicalize"
	"github.com/certnode/core/pkg/receipt"
	"github.com/certnode/core/pkg/sigcodec"
)

// Header is the JWS protected header.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Sign canonicalizes payload, signs it with an ECDSA P-256 key, and
// returns the completed proof.
//
// Signing input is protectedB64 + "." + base64url(JCS(payload)); the
// receipt id is the base64url SHA-256 of the full three-part compact form.
func Sign(payload any, priv *ecdsa.PrivateKey, kid string) (*receipt.Proof, error) {
	if priv == nil {
		return nil, receipt.NewValidationError("key", "signing key is required")
	}
	if priv.Curve != elliptic.P256() {
		return nil, &receipt.UnsupportedKeyError{Kty: "EC", Crv: priv.Curve.Params().Name}
	}
	if kid == "" {
		return nil, receipt.NewValidationError("kid", "kid is required")
	}
	if payload == nil {
		return nil, receipt.NewValidationError("payload", "payload is required")
	}

	headerJSON, err := json.Marshal(Header{Alg: "ES256", Kid: kid})
	if err != nil {
		return nil, fmt.Errorf("marshal protected header: %w", err)
	}
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)

	payloadJCS, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJCS)

	signingInput := headerB64 + "." + payloadB64
	hash := sha256.Sum256([]byte(signingInput))

	der, err := ecdsa.SignASN1(rand.Reader, priv, hash[:])
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	jose, err := sigcodec.DERToJOSE(der)
	if err != nil {
		return nil, fmt.Errorf("convert signature: %w", err)
	}
	sigB64 := base64.RawURLEncoding.EncodeToString(jose)

	return &receipt.Proof{
		Protected:        headerB64,
		Signature:        sigB64,
		Kid:              kid,
		PayloadJCSSHA256: canonicalize.HashB64URL(payloadJCS),
		ReceiptID:        canonicalize.HashB64URL([]byte(headerB64 + "." + payloadB64 + "." + sigB64)),
	}, nil
}
