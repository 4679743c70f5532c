package sigcodec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certnode/core/pkg/receipt"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestDERToJOSE_Size(t *testing.T) {
	key := newKey(t)
	hash := sha256.Sum256([]byte("message"))
	der, err := ecdsa.SignASN1(rand.Reader, key, hash[:])
	require.NoError(t, err)

	jose, err := DERToJOSE(der)
	require.NoError(t, err)
	assert.Len(t, jose, JOSESignatureSize)
}

func TestDERToJOSE_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		der  []byte
	}{
		{"empty", nil},
		{"short", []byte{0x30, 0x02, 0x02, 0x00}},
		{"wrong outer tag", []byte{0x31, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01}},
		{"wrong inner tag", []byte{0x30, 0x06, 0x03, 0x01, 0x01, 0x02, 0x01, 0x01}},
		{"length mismatch", []byte{0x30, 0x20, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DERToJOSE(tc.der)
			require.Error(t, err)
			var fe *receipt.FormatError
			assert.ErrorAs(t, err, &fe)
		})
	}
}

func TestDERToJOSE_RejectsOversizedInteger(t *testing.T) {
	// r claims 34 value bytes, beyond the 33-byte P-256 maximum.
	der := []byte{0x30, 0x28, 0x02, 0x22}
	der = append(der, make([]byte, 34)...)
	der = append(der, 0x02, 0x01, 0x01)
	// Fix outer length to match content.
	der[1] = byte(len(der) - 2)

	_, err := DERToJOSE(der)
	require.Error(t, err)
	var fe *receipt.FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestJOSEToDER_RejectsWrongSize(t *testing.T) {
	for _, n := range []int{0, 63, 65, 128} {
		_, err := JOSEToDER(make([]byte, n))
		require.Error(t, err, "size %d", n)
		var fe *receipt.FormatError
		assert.ErrorAs(t, err, &fe)
	}
}

func TestJOSEToDER_SignDisambiguation(t *testing.T) {
	// Both halves with the high bit set force a 0x00 prefix in DER.
	jose := make([]byte, JOSESignatureSize)
	for i := range jose {
		jose[i] = 0xff
	}
	der, err := JOSEToDER(jose)
	require.NoError(t, err)

	// SEQUENCE(len) INTEGER(33: 00 ff*32) INTEGER(33: 00 ff*32)
	require.Equal(t, byte(0x30), der[0])
	assert.Equal(t, byte(0x02), der[2])
	assert.Equal(t, byte(33), der[3])
	assert.Equal(t, byte(0x00), der[4])
}

func TestJOSEToDER_MinimalEncoding(t *testing.T) {
	// r = 1, s = 1: each integer encodes to a single byte.
	jose := make([]byte, JOSESignatureSize)
	jose[31] = 0x01
	jose[63] = 0x01

	der, err := JOSEToDER(jose)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01}, der)
}

// TestRoundTrip_RandomSignatures exercises the documented round-trip
// property: for random ECDSA signatures, JOSEToDER(DERToJOSE(x)) verifies
// against the original message and key even when the bytes differ.
func TestRoundTrip_RandomSignatures(t *testing.T) {
	key := newKey(t)

	for i := 0; i < 1000; i++ {
		msg := make([]byte, 32)
		_, err := rand.Read(msg)
		require.NoError(t, err)
		hash := sha256.Sum256(msg)

		der, err := ecdsa.SignASN1(rand.Reader, key, hash[:])
		require.NoError(t, err)

		jose, err := DERToJOSE(der)
		require.NoError(t, err)

		der2, err := JOSEToDER(jose)
		require.NoError(t, err)

		require.True(t, ecdsa.VerifyASN1(&key.PublicKey, hash[:], der2),
			"round-tripped signature failed to verify at iteration %d", i)

		ok, err := VerifyJOSE(&key.PublicKey, msg, jose)
		require.NoError(t, err)
		require.True(t, ok)
	}
}
