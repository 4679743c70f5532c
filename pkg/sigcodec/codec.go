// Package sigcodec converts ECDSA P-256 signatures between ASN.1 DER
// (what crypto/ecdsa.SignASN1 produces) and the raw 64-byte JOSE r||s
// encoding used in detached JWS receipts.
package sigcodec

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"

	"github.com/certnode/core/pkg/receipt"
)

const (
	// JOSESignatureSize is the fixed size of an ES256 JOSE signature.
	JOSESignatureSize = 64

	// coordSize is the byte length of a P-256 scalar.
	coordSize = 32

	// maxDERIntLen is the longest DER INTEGER a P-256 scalar can occupy:
	// 32 value bytes plus one sign-disambiguation 0x00.
	maxDERIntLen = 33

	tagSequence = 0x30
	tagInteger  = 0x02
)

// DERToJOSE converts an ASN.1 DER ECDSA signature to the 64-byte JOSE
// r||s form. Each half is big-endian, leading zeros stripped and then
// re-padded to 32 bytes.
func DERToJOSE(der []byte) ([]byte, error) {
	if len(der) < 8 {
		return nil, receipt.NewFormatError("der", "signature too short")
	}
	if der[0] != tagSequence {
		return nil, receipt.NewFormatError("der", "expected SEQUENCE tag")
	}

	body, err := readLength(der[1:], "sequence")
	if err != nil {
		return nil, err
	}

	r, rest, err := readInteger(body)
	if err != nil {
		return nil, err
	}
	s, rest, err := readInteger(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, receipt.NewFormatError("der", "trailing bytes after s")
	}

	out := make([]byte, JOSESignatureSize)
	copy(out[coordSize-len(r):coordSize], r)
	copy(out[JOSESignatureSize-len(s):], s)
	return out, nil
}

// JOSEToDER converts a 64-byte JOSE r||s signature to ASN.1 DER. The
// re-encoded DER is minimal-length and need not be byte-identical to any
// original DER, but verifies identically against the same message and key.
func JOSEToDER(jose []byte) ([]byte, error) {
	if len(jose) != JOSESignatureSize {
		return nil, receipt.NewFormatError("jose", "signature must be exactly 64 bytes")
	}

	r := encodeInteger(jose[:coordSize])
	s := encodeInteger(jose[coordSize:])

	// Total content is at most 2*(2+33) = 70 bytes, so short-form length
	// always suffices.
	var buf bytes.Buffer
	buf.WriteByte(tagSequence)
	buf.WriteByte(byte(len(r) + len(s)))
	buf.Write(r)
	buf.Write(s)
	return buf.Bytes(), nil
}

// VerifyJOSE checks a 64-byte JOSE signature over message with an ECDSA
// P-256 public key. The message is hashed with SHA-256.
func VerifyJOSE(pub *ecdsa.PublicKey, message, jose []byte) (bool, error) {
	if len(jose) != JOSESignatureSize {
		return false, receipt.NewFormatError("jose", "signature must be exactly 64 bytes")
	}
	r := new(big.Int).SetBytes(jose[:coordSize])
	s := new(big.Int).SetBytes(jose[coordSize:])
	hash := sha256.Sum256(message)
	return ecdsa.Verify(pub, hash[:], r, s), nil
}

// readLength parses a short-form DER length and returns exactly that many
// content bytes. P-256 signatures never need long-form lengths.
func readLength(b []byte, what string) ([]byte, error) {
	if len(b) == 0 {
		return nil, receipt.NewFormatError("der", what+" length missing")
	}
	n := int(b[0])
	if n >= 0x80 {
		return nil, receipt.NewFormatError("der", what+" uses long-form length")
	}
	if len(b)-1 != n {
		return nil, receipt.NewFormatError("der", what+" length mismatch")
	}
	return b[1:], nil
}

// readInteger parses one DER INTEGER, returning its value bytes with
// leading zeros stripped, and the remaining input.
func readInteger(b []byte) (value, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, receipt.NewFormatError("der", "truncated integer")
	}
	if b[0] != tagInteger {
		return nil, nil, receipt.NewFormatError("der", "expected INTEGER tag")
	}
	n := int(b[1])
	if n == 0 || n >= 0x80 {
		return nil, nil, receipt.NewFormatError("der", "bad integer length")
	}
	if n > maxDERIntLen {
		return nil, nil, receipt.NewFormatError("der", "integer longer than 33 bytes")
	}
	if len(b) < 2+n {
		return nil, nil, receipt.NewFormatError("der", "truncated integer body")
	}
	v := b[2 : 2+n]
	for len(v) > 1 && v[0] == 0x00 {
		v = v[1:]
	}
	if len(v) > coordSize {
		return nil, nil, receipt.NewFormatError("der", "integer exceeds curve size")
	}
	return v, b[2+n:], nil
}

// encodeInteger DER-encodes one 32-byte big-endian half: leading zeros
// stripped to minimal length, with a 0x00 prepended when the high bit is
// set so the value stays non-negative.
func encodeInteger(v []byte) []byte {
	i := 0
	for i < len(v)-1 && v[i] == 0x00 {
		i++
	}
	v = v[i:]

	out := make([]byte, 0, len(v)+3)
	out = append(out, tagInteger)
	if v[0]&0x80 != 0 {
		out = append(out, byte(len(v)+1), 0x00)
	} else {
		out = append(out, byte(len(v)))
	}
	return append(out, v...)
}
