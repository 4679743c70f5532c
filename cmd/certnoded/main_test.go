package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certnode/core/pkg/graph"
	"github.com/certnode/core/pkg/keys"
	"github.com/certnode/core/pkg/receipt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunVerify_EndToEnd(t *testing.T) {
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	engine := graph.NewEngine(graph.NewMemoryStore(), key, "cli-key")
	created, err := engine.CreateReceipt(context.Background(), "t1", receipt.TypeTransaction,
		map[string]any{"amount": 12}, nil)
	require.NoError(t, err)

	receiptPath := filepath.Join(dir, "receipt.json")
	raw, err := json.Marshal(created)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(receiptPath, raw, 0o600))

	jwk, err := keys.FromECPublicKey(&key.PublicKey, "cli-key")
	require.NoError(t, err)
	jwksPath := filepath.Join(dir, "jwks.json")
	rawJWKS, err := json.Marshal(keys.JWKS{Keys: []keys.JWK{*jwk}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(jwksPath, rawJWKS, 0o600))

	var stdout, stderr bytes.Buffer
	code := runVerify([]string{"-receipt", receiptPath, "-jwks", jwksPath}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "OK")

	// Tamper with the payload and expect a failure exit.
	tampered := *created
	tampered.Payload = map[string]any{"amount": 13}
	raw, err = json.Marshal(&tampered)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(receiptPath, raw, 0o600))

	stdout.Reset()
	code = runVerify([]string{"-receipt", receiptPath, "-jwks", jwksPath}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "hash_mismatch")
}

func TestRunKeygen(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "key.pem")

	var stdout, stderr bytes.Buffer
	code := runKeygen([]string{"-out", out, "-kid", "k-test"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	// Key file parses back.
	loaded, err := loadOrGenerateKey(out, testLogger())
	require.NoError(t, err)
	assert.Equal(t, elliptic.P256(), loaded.Curve)

	// Printed JWKS carries the kid.
	var jwks keys.JWKS
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "k-test", jwks.Keys[0].Kid)
}

func TestLoadOrGenerateKey_Ephemeral(t *testing.T) {
	key, err := loadOrGenerateKey("", testLogger())
	require.NoError(t, err)
	assert.Equal(t, elliptic.P256(), key.Curve)
}

func TestRunVerify_MissingFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, runVerify(nil, &stdout, &stderr))
}
