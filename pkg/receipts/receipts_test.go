package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/crypto"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

func tenantCtx(tenant string) context.Context {
	return tenancy.WithPrincipal(context.Background(), tenancy.Principal{ActorID: "orchestrator", TenantID: tenant})
}

func testSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	signer, err := crypto.NewDerivedSigner([]byte("test-master-secret"), crypto.PurposeReceipts)
	require.NoError(t, err)
	return signer
}

func payload(runID string) Payload {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Payload{
		RunID:              runID,
		PlanHash:           "3f8e1c0a",
		Status:             "Succeeded",
		ResultsDigest:      "digest-1",
		StartedAt:          started,
		CompletedAt:        started.Add(30 * time.Second),
		CapabilityTokenJTI: "jti-1",
	}
}

func TestCreate_SignsAndChains(t *testing.T) {
	signer := testSigner(t)
	svc := NewService(NewMemoryStore(), signer, nil, nil, nil)
	ctx := tenantCtx("T1")

	first, err := svc.Create(ctx, payload("run-1"))
	require.NoError(t, err)
	assert.Empty(t, first.PriorReceiptHash)
	assert.Len(t, first.ContentHash, 64)
	assert.NotEmpty(t, first.Signature)
	assert.Equal(t, "T1", first.Payload.TenantID)

	second, err := svc.Create(ctx, payload("run-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.PriorReceiptHash)

	res := svc.VerifyChain(ctx, signer.PublicKey())
	assert.True(t, res.Valid, res.Reason)
}

func TestCreate_ChainsPerTenant(t *testing.T) {
	svc := NewService(NewMemoryStore(), testSigner(t), nil, nil, nil)

	r1, err := svc.Create(tenantCtx("T1"), payload("run-1"))
	require.NoError(t, err)
	r2, err := svc.Create(tenantCtx("T2"), payload("run-2"))
	require.NoError(t, err)

	assert.Empty(t, r1.PriorReceiptHash)
	assert.Empty(t, r2.PriorReceiptHash, "each tenant starts its own chain")
}

func TestVerify_DetectsTampering(t *testing.T) {
	signer := testSigner(t)
	svc := NewService(NewMemoryStore(), signer, nil, nil, nil)
	ctx := tenantCtx("T1")

	receipt, err := svc.Create(ctx, payload("run-1"))
	require.NoError(t, err)

	res := svc.Verify(ctx, receipt, signer.PublicKey())
	assert.True(t, res.Valid)

	tampered := *receipt
	tampered.Payload.Status = "Failed"
	res = svc.Verify(ctx, &tampered, signer.PublicKey())
	assert.False(t, res.Valid)
	assert.Equal(t, "content hash mismatch", res.Reason)

	forged := *receipt
	prefix := "00"
	if forged.Signature[:2] == "00" {
		prefix = "11"
	}
	forged.Signature = prefix + forged.Signature[2:]
	res = svc.Verify(ctx, &forged, signer.PublicKey())
	assert.False(t, res.Valid)
}

func TestVerify_WrongKeyFails(t *testing.T) {
	svc := NewService(NewMemoryStore(), testSigner(t), nil, nil, nil)
	ctx := tenantCtx("T1")

	receipt, err := svc.Create(ctx, payload("run-1"))
	require.NoError(t, err)

	other, err := crypto.NewEd25519Signer("other")
	require.NoError(t, err)
	res := svc.Verify(ctx, receipt, other.PublicKey())
	assert.False(t, res.Valid)
}

func TestVerify_AfterKeyRotation(t *testing.T) {
	first, err := crypto.NewEd25519Signer("receipts-2026a")
	require.NoError(t, err)
	second, err := crypto.NewEd25519Signer("receipts-2026b")
	require.NoError(t, err)

	kr := crypto.NewKeyring(first)
	svc := NewService(NewMemoryStore(), first, nil, nil, nil, WithKeyring(kr))
	ctx := tenantCtx("T1")

	before, err := svc.Create(ctx, payload("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "receipts-2026a", before.SigningKeyID)

	kr.Rotate(second)

	after, err := svc.Create(ctx, payload("run-2"))
	require.NoError(t, err)
	assert.Equal(t, "receipts-2026b", after.SigningKeyID)

	// Receipts from before the rotation verify via the retired key.
	res := svc.Verify(ctx, before, svc.PublicKey())
	assert.True(t, res.Valid, res.Reason)
	res = svc.Verify(ctx, after, svc.PublicKey())
	assert.True(t, res.Valid, res.Reason)

	res = svc.VerifyChain(ctx, svc.PublicKey())
	assert.True(t, res.Valid, res.Reason)

	// An unknown key id falls back to the caller-supplied key.
	unknown := *before
	unknown.SigningKeyID = "receipts-retired-2024"
	res = svc.Verify(ctx, &unknown, svc.PublicKey())
	assert.False(t, res.Valid)
}

func TestCreate_RequiresRunAndPlan(t *testing.T) {
	svc := NewService(NewMemoryStore(), testSigner(t), nil, nil, nil)
	p := payload("run-1")
	p.PlanHash = ""
	_, err := svc.Create(tenantCtx("T1"), p)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCreate_RejectsForeignTenantPayload(t *testing.T) {
	svc := NewService(NewMemoryStore(), testSigner(t), nil, nil, nil)
	p := payload("run-1")
	p.TenantID = "T2"
	_, err := svc.Create(tenantCtx("T1"), p)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDenied))
}

func TestFileSink_WriteOnceRoundtrip(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := sink.Put(ctx, "T1/receipt-1.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Contains(t, uri, "file://")

	body, err := sink.Get(ctx, uri)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(body))

	_, err = sink.Put(ctx, "T1/receipt-1.json", []byte(`{"a":2}`))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestCreate_ExportsToWORM(t *testing.T) {
	signer := testSigner(t)
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	svc := NewService(NewMemoryStore(), signer, nil, nil, nil, WithWORM(sink))
	ctx := tenantCtx("T1")

	receipt, err := svc.Create(ctx, payload("run-1"))
	require.NoError(t, err)
	require.NotEmpty(t, receipt.WormURI)

	res := svc.Verify(ctx, receipt, signer.PublicKey())
	assert.True(t, res.Valid, res.Reason)

	stored, err := svc.Get(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.WormURI, stored.WormURI)
}

func TestSQLiteStore_ChainAppend(t *testing.T) {
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	signer := testSigner(t)
	svc := NewService(store, signer, nil, nil, nil)
	ctx := tenantCtx("T1")

	first, err := svc.Create(ctx, payload("run-1"))
	require.NoError(t, err)
	second, err := svc.Create(ctx, payload("run-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.PriorReceiptHash)

	byRun, err := store.GetByRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, byRun.ID)

	res := svc.VerifyChain(ctx, signer.PublicKey())
	assert.True(t, res.Valid, res.Reason)

	// Stale head is rejected.
	err = store.Append(ctx, first, "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}
