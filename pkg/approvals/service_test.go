package approvals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

func tenantCtx(tenant string) context.Context {
	return tenancy.WithPrincipal(context.Background(), tenancy.Principal{ActorID: "orchestrator", TenantID: tenant})
}

func newTestService(t *testing.T, now *time.Time) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	clock := func() time.Time { return *now }
	svc := NewService(store, nil, nil, nil, WithClock(clock))
	return svc, store
}

func clarification(approvers []string, quorum Quorum) Clarification {
	return Clarification{
		ID:             "clar-1",
		Question:       "Refund 120 EUR to customer 42?",
		Requester:      "run-actor",
		Approvers:      approvers,
		Quorum:         quorum,
		TimeoutSeconds: 600,
	}
}

func TestCreate_AnyQuorumApproval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	approval, err := svc.Create(ctx, "run-1", clarification([]string{"alice", "bob"}, QuorumAny))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, approval.Status)
	assert.Equal(t, now.Add(10*time.Minute), approval.Deadline)

	decided, err := svc.Decide(ctx, approval.ID, DecisionApprove, "bob", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided.Status)
	require.NotNil(t, decided.ResolvedAt)
}

func TestDecide_AllQuorumNeedsEveryApprover(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	approval, err := svc.Create(ctx, "run-1", clarification([]string{"alice", "bob"}, QuorumAll))
	require.NoError(t, err)

	mid, err := svc.Decide(ctx, approval.ID, DecisionApprove, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, mid.Status)

	final, err := svc.Decide(ctx, approval.ID, DecisionApprove, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, final.Status)
}

func TestDecide_RejectionIsImmediate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	approval, err := svc.Create(ctx, "run-1", clarification([]string{"alice", "bob"}, QuorumAll))
	require.NoError(t, err)

	final, err := svc.Decide(ctx, approval.ID, DecisionReject, "alice", "too risky")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, final.Status)

	_, err = svc.Decide(ctx, approval.ID, DecisionApprove, "bob", "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestDecide_OutsiderDenied(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	approval, err := svc.Create(ctx, "run-1", clarification([]string{"alice"}, QuorumAny))
	require.NoError(t, err)

	_, err = svc.Decide(ctx, approval.ID, DecisionApprove, "mallory", "")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDenied))
}

func TestCreate_OneOpenApprovalPerRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	first, err := svc.Create(ctx, "run-1", clarification([]string{"alice"}, QuorumAny))
	require.NoError(t, err)

	second := clarification([]string{"alice"}, QuorumAny)
	second.ID = "clar-2"
	_, err = svc.Create(ctx, "run-1", second)
	require.Error(t, err)
	assert.Equal(t, "APPROVAL_IN_PROGRESS", errs.CodeOf(err))

	// Resolving the first frees the run for another approval.
	_, err = svc.Decide(ctx, first.ID, DecisionApprove, "alice", "")
	require.NoError(t, err)
	_, err = svc.Create(ctx, "run-1", second)
	require.NoError(t, err)
}

func TestSweep_ExpiresWithoutEscalation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	approval, err := svc.Create(ctx, "run-1", clarification([]string{"alice"}, QuorumAny))
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	swept, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := svc.Get(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = svc.Decide(ctx, approval.ID, DecisionApprove, "alice", "")
	require.Error(t, err)
}

func TestSweep_EscalatesWithExtendedDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	clar := clarification([]string{"alice"}, QuorumAny)
	clar.EscalateTo = []string{"cto"}
	approval, err := svc.Create(ctx, "run-1", clar)
	require.NoError(t, err)
	originalDeadline := approval.Deadline

	now = now.Add(11 * time.Minute)
	swept, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := svc.Get(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, got.Status)
	assert.Equal(t, []string{"cto"}, got.Approvers)
	assert.True(t, got.Deadline.After(originalDeadline), "deadline must increase on escalation")
	assert.True(t, got.Deadline.After(now), "new deadline must be in the future")

	// Original approver lost authority; the escalation target decides.
	_, err = svc.Decide(ctx, approval.ID, DecisionApprove, "alice", "")
	require.Error(t, err)
	final, err := svc.Decide(ctx, approval.ID, DecisionApprove, "cto", "escalated approval")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, final.Status)
}

func TestDelegate_TransfersSlot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	approval, err := svc.Create(ctx, "run-1", clarification([]string{"alice", "bob"}, QuorumAll))
	require.NoError(t, err)

	delegated, err := svc.Delegate(ctx, approval.ID, "alice", "carol", "on leave")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"carol", "bob"}, delegated.Approvers)

	_, err = svc.Decide(ctx, approval.ID, DecisionApprove, "alice", "")
	require.Error(t, err)

	_, err = svc.Decide(ctx, approval.ID, DecisionApprove, "carol", "")
	require.NoError(t, err)
	final, err := svc.Decide(ctx, approval.ID, DecisionApprove, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, final.Status)
}

func TestPollByClarification(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, &now)
	ctx := tenantCtx("T1")

	approval, err := svc.Create(ctx, "run-1", clarification([]string{"alice"}, QuorumAny))
	require.NoError(t, err)

	polled, err := svc.PollByClarification(ctx, "clar-1")
	require.NoError(t, err)
	assert.Equal(t, approval.ID, polled.ID)

	// Cross-tenant polling sees nothing.
	_, err = svc.PollByClarification(tenantCtx("T2"), "clar-1")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestSweeper_VisitsAllTenants(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, store := newTestService(t, &now)

	for _, tenant := range []string{"T1", "T2"} {
		_, err := svc.Create(tenantCtx(tenant), "run-"+tenant, clarification([]string{"alice"}, QuorumAny))
		require.NoError(t, err)
	}

	now = now.Add(time.Hour)
	sweeper := NewSweeper(svc, store, time.Second, nil)
	sweeper.SweepOnce(context.Background())

	for _, tenant := range []string{"T1", "T2"} {
		expired, err := svc.store.Expired(tenantCtx(tenant), now.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, expired, "tenant %s should have no open approvals left", tenant)
	}
}
