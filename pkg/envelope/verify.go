package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/certnode/core/pkg/canonicalize"
	"github.com/certnode/core/pkg/keys"
	"github.com/certnode/core/pkg/receipt"
	"github.com/certnode/core/pkg/sigcodec"
)

// Verification reason codes. Hash and signature mismatches are results,
// never errors: callers branch on Result, not on control flow.
const (
	ReasonMissingField      = "missing_field"
	ReasonMalformedHeader   = "malformed_header"
	ReasonUnsupportedAlg    = "unsupported_algorithm"
	ReasonKidMismatch       = "kid_mismatch"
	ReasonKeyNotFound       = "key_not_found"
	ReasonHashMismatch      = "hash_mismatch"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonReceiptIDMismatch = "receipt_id_mismatch"
)

// Result is the terminal state of the verification state machine.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func invalid(reason string) Result { return Result{OK: false, Reason: reason} }

// Verify re-derives a receipt's hashes and checks its signature against a
// JWKS. It is pure: no I/O, no clock, safe to run in parallel.
//
// The state machine is fixed:
//  1. structural fields present
//  2. alg supported, header kid matches proof kid
//  3. key resolved from the JWKS (thumbprint, then kid)
//  4. payload_jcs_sha256, when present, matches the recomputed hash
//  5. signature verifies over protected + "." + base64url(JCS(payload))
//  6. receipt_id, when present, matches the recomputed id
func Verify(r *receipt.Receipt, jwks *keys.JWKS) Result {
	if r == nil || jwks == nil {
		return invalid(ReasonMissingField)
	}
	proof := r.Proof
	if proof.Protected == "" || proof.Signature == "" || proof.Kid == "" || r.Payload == nil {
		return invalid(ReasonMissingField)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(proof.Protected)
	if err != nil {
		return invalid(ReasonMalformedHeader)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return invalid(ReasonMalformedHeader)
	}

	if header.Alg != "ES256" && header.Alg != "EdDSA" {
		return invalid(ReasonUnsupportedAlg)
	}
	if header.Kid != proof.Kid {
		return invalid(ReasonKidMismatch)
	}

	key, err := keys.FindKey(jwks, proof.Kid)
	if err != nil {
		return invalid(ReasonKeyNotFound)
	}

	payloadJCS, err := canonicalize.JCS(r.Payload)
	if err != nil {
		return invalid(ReasonHashMismatch)
	}

	if proof.PayloadJCSSHA256 != "" {
		expected, err := base64.RawURLEncoding.DecodeString(proof.PayloadJCSSHA256)
		if err != nil {
			return invalid(ReasonHashMismatch)
		}
		actual := sha256.Sum256(payloadJCS)
		if subtle.ConstantTimeCompare(actual[:], expected) != 1 {
			return invalid(ReasonHashMismatch)
		}
	}

	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJCS)
	signingInput := []byte(proof.Protected + "." + payloadB64)

	sig, err := base64.RawURLEncoding.DecodeString(proof.Signature)
	if err != nil {
		return invalid(ReasonInvalidSignature)
	}

	switch header.Alg {
	case "ES256":
		pub, err := keys.ECPublicKey(key)
		if err != nil {
			return invalid(ReasonInvalidSignature)
		}
		ok, err := sigcodec.VerifyJOSE(pub, signingInput, sig)
		if err != nil || !ok {
			return invalid(ReasonInvalidSignature)
		}
	case "EdDSA":
		pub, err := keys.Ed25519PublicKey(key)
		if err != nil {
			return invalid(ReasonInvalidSignature)
		}
		if !ed25519.Verify(pub, signingInput, sig) {
			return invalid(ReasonInvalidSignature)
		}
	}

	if proof.ReceiptID != "" {
		computed := canonicalize.HashB64URL([]byte(proof.Protected + "." + payloadB64 + "." + proof.Signature))
		if computed != proof.ReceiptID {
			return invalid(ReasonReceiptIDMismatch)
		}
	}

	return Result{OK: true}
}

// BatchResult pairs one receipt with its verification outcome.
type BatchResult struct {
	Index  int    `json:"index"`
	Result Result `json:"result"`
}

// VerifyBatch verifies receipts in parallel. Verification is CPU-bound and
// side-effect-free, so items simply fan out over workers.
func VerifyBatch(receipts []*receipt.Receipt, jwks *keys.JWKS, workers int) []BatchResult {
	if workers <= 0 {
		workers = 4
	}
	results := make([]BatchResult, len(receipts))

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i := range receipts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = BatchResult{Index: i, Result: Verify(receipts[i], jwks)}
		}(i)
	}
	wg.Wait()
	return results
}
