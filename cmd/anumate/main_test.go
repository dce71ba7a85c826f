package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/canonicalize"
	"github.com/anumate/control-plane/pkg/crypto"
	"github.com/anumate/control-plane/pkg/receipts"
)

func stubServer(t *testing.T) *int {
	t.Helper()
	calls := 0
	orig := startServer
	startServer = func(io.Writer) int {
		calls++
		return 0
	}
	t.Cleanup(func() { startServer = orig })
	return &calls
}

func TestRunDefaultsToServer(t *testing.T) {
	calls := stubServer(t)
	var out, errOut bytes.Buffer

	code := Run([]string{"anumate"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, *calls)

	code = Run([]string{"anumate", "serve"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, *calls)
}

func TestRunUnknownCommand(t *testing.T) {
	calls := stubServer(t)
	var out, errOut bytes.Buffer

	code := Run([]string{"anumate", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Equal(t, 0, *calls)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRunVersionAndHelp(t *testing.T) {
	stubServer(t)
	var out, errOut bytes.Buffer

	assert.Equal(t, 0, Run([]string{"anumate", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), version)

	out.Reset()
	assert.Equal(t, 0, Run([]string{"anumate", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "verify-receipt")
}

func TestKeygenEmitsUsableSecret(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, runKeygen(&out, &errOut))

	assert.Contains(t, out.String(), "master_secret:")
	assert.Contains(t, out.String(), "captoken_pubkey:")
	assert.Contains(t, out.String(), "receipt_pubkey:")
}

func signedReceipt(t *testing.T) (receipts.Receipt, string) {
	t.Helper()
	signer, err := crypto.NewDerivedSigner([]byte("cli-test-secret"), crypto.PurposeReceipts)
	require.NoError(t, err)

	payload := receipts.Payload{
		RunID:       "run-1",
		PlanHash:    "abc123",
		TenantID:    "T1",
		Status:      "Succeeded",
		StartedAt:   time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 8, 1, 10, 0, 5, 0, time.UTC),
	}
	contentHash, err := canonicalize.Hash(payload)
	require.NoError(t, err)
	signature, err := signer.Sign([]byte(contentHash))
	require.NoError(t, err)

	return receipts.Receipt{
		ID:          "rcpt-1",
		TenantID:    "T1",
		Payload:     payload,
		ContentHash: contentHash,
		Signature:   signature,
	}, signer.PublicKey()
}

func writeReceiptFile(t *testing.T, receipt receipts.Receipt) string {
	t.Helper()
	data, err := json.Marshal(receipt)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "receipt.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestVerifyReceiptValid(t *testing.T) {
	receipt, pubKey := signedReceipt(t)
	path := writeReceiptFile(t, receipt)

	var out, errOut bytes.Buffer
	code := runVerifyReceipt([]string{"--receipt", path, "--pubkey", pubKey, "--json"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())

	var result struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.Valid)
}

func TestVerifyReceiptDetectsTampering(t *testing.T) {
	receipt, pubKey := signedReceipt(t)
	receipt.Payload.Status = "Failed"
	path := writeReceiptFile(t, receipt)

	var out, errOut bytes.Buffer
	code := runVerifyReceipt([]string{"--receipt", path, "--pubkey", pubKey}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "content hash mismatch")
}

func TestVerifyReceiptWrongKey(t *testing.T) {
	receipt, _ := signedReceipt(t)
	other, err := crypto.NewDerivedSigner([]byte("some-other-secret"), crypto.PurposeReceipts)
	require.NoError(t, err)
	path := writeReceiptFile(t, receipt)

	var out, errOut bytes.Buffer
	code := runVerifyReceipt([]string{"--receipt", path, "--pubkey", other.PublicKey()}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "signature verification failed")
}

func TestVerifyReceiptRequiresFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, runVerifyReceipt(nil, &out, &errOut))
}

func TestMasterSecretResolution(t *testing.T) {
	logger := newLogger("ERROR")

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	encoded := hex.EncodeToString(secret)

	t.Setenv("ANUMATE_TEST_SECRET", encoded)
	got, err := masterSecret("env:ANUMATE_TEST_SECRET", logger)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte(encoded+"\n"), 0o600))
	got, err = masterSecret("file:"+path, logger)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	// Ephemeral fallback still yields a usable secret.
	got, err = masterSecret("", logger)
	require.NoError(t, err)
	assert.Len(t, got, 32)

	_, err = masterSecret("env:ANUMATE_MISSING_SECRET", logger)
	assert.Error(t, err)

	t.Setenv("ANUMATE_SHORT_SECRET", "abcd")
	_, err = masterSecret("env:ANUMATE_SHORT_SECRET", logger)
	assert.ErrorContains(t, err, "too short")

	_, err = masterSecret("vault://nope", logger)
	assert.ErrorContains(t, err, "expected env: or file:")
}
