package captokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/crypto"
	"github.com/anumate/control-plane/pkg/errs"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *audit.MemoryStore) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("captokens-test")
	require.NoError(t, err)
	sink := audit.NewMemoryStore()
	return NewService(signer, NewMemoryReplayGuard(), sink, opts...), sink
}

func TestIssueVerify_HappyPath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "svc-a", []string{"read", "execute"}, 60*time.Second, "T1")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.TokenID)
	assert.Equal(t, "T1", tok.TenantID)

	claims, err := svc.Verify(ctx, tok.Token, "T1")
	require.NoError(t, err)
	assert.Equal(t, "svc-a", claims.Subject)
	assert.Equal(t, []string{"read", "execute"}, claims.Capabilities)
	assert.Equal(t, tok.TokenID, claims.ID)
}

func TestIssue_RejectsTTLOverBound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Issue(context.Background(), "s", []string{"read"}, 301*time.Second, "T1")
	require.Error(t, err)
	assert.Equal(t, "INVALID_TTL", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestVerify_ReplayDetected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, tok.Token, "T1")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, tok.Token, "T1")
	require.Error(t, err)
	assert.Equal(t, "REPLAY_DETECTED", errs.CodeOf(err))
}

func TestVerify_Expired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	svc, _ := newTestService(t, WithClock(func() time.Time { return clock() }))
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 30*time.Second, "T1")
	require.NoError(t, err)

	clock = func() time.Time { return now.Add(31 * time.Second) }
	_, err = svc.Verify(ctx, tok.Token, "T1")
	require.Error(t, err)
	assert.Equal(t, "TOKEN_EXPIRED", errs.CodeOf(err))
}

func TestVerify_AudienceMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, tok.Token, "T2")
	require.Error(t, err)
	assert.Equal(t, "AUDIENCE_MISMATCH", errs.CodeOf(err))
}

func TestVerify_TamperedToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)

	tampered := tok.Token[:len(tok.Token)-2] + "xx"
	_, err = svc.Verify(ctx, tampered, "T1")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnauthorized))
}

func TestCheckCapability(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)

	ok, err := svc.CheckCapability(ctx, tok.Token, "T1", "read")
	require.NoError(t, err)
	assert.True(t, ok)

	tok2, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)
	ok, err = svc.CheckCapability(ctx, tok2.Token, "T1", "write")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefresh_InvalidatesOldToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)

	fresh, err := svc.Refresh(ctx, tok.Token, 120*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, tok.TokenID, fresh.TokenID)
	assert.Equal(t, tok.Subject, fresh.Subject)
	assert.Equal(t, tok.Capabilities, fresh.Capabilities)

	// Old token is consumed.
	_, err = svc.Verify(ctx, tok.Token, "T1")
	require.Error(t, err)
	assert.Equal(t, "REPLAY_DETECTED", errs.CodeOf(err))

	// New token verifies once.
	_, err = svc.Verify(ctx, fresh.Token, "T1")
	require.NoError(t, err)
}

func TestRevoke_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, tok.TokenID, "T1"))
	require.NoError(t, svc.Revoke(ctx, tok.TokenID, "T1"))

	_, err = svc.Verify(ctx, tok.Token, "T1")
	require.Error(t, err)
	assert.Equal(t, "REPLAY_DETECTED", errs.CodeOf(err))
}

func TestAuditTrail(t *testing.T) {
	svc, sink := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "s", []string{"read"}, 60*time.Second, "T1")
	require.NoError(t, err)
	_, err = svc.Verify(ctx, tok.Token, "T1")
	require.NoError(t, err)
	_, _ = svc.Verify(ctx, tok.Token, "T1") // replay -> failed

	actions := make([]string, 0, 3)
	for _, e := range sink.Events() {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "captoken.issued")
	assert.Contains(t, actions, "captoken.verified")
	assert.Contains(t, actions, "captoken.failed")
}

func TestMemoryReplayGuard_ExpiredEntryReusable(t *testing.T) {
	now := time.Now()
	guard := NewMemoryReplayGuard().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := guard.InsertIfAbsent(ctx, "j1", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.InsertIfAbsent(ctx, "j1", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry the jti slot is reclaimable.
	guard.WithClock(func() time.Time { return now.Add(11 * time.Second) })
	ok, err = guard.InsertIfAbsent(ctx, "j1", now.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}
