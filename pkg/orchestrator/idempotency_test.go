package orchestrator

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/errs"
)

func TestRequestFingerprint_NormalizedEquality(t *testing.T) {
	a := ExecuteRequest{PlanHash: "h1", Engine: EngineRemote, Parameters: map[string]any{"x": 1, "y": 2}}
	b := ExecuteRequest{PlanHash: "h1", Engine: EngineRemote, Parameters: map[string]any{"y": 2, "x": 1}}

	fa, err := requestFingerprint(a)
	require.NoError(t, err)
	fb, err := requestFingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb, "parameter order must not change the fingerprint")

	c := a
	c.Parameters = map[string]any{"x": 1, "y": 3}
	fc, err := requestFingerprint(c)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestRequestFingerprint_BindsApprovalFields(t *testing.T) {
	base := ExecuteRequest{
		PlanHash:        "h1",
		Engine:          EngineRemote,
		Parameters:      map[string]any{"x": 1},
		RequireApproval: true,
		Approvers:       []string{"alice"},
	}
	fp, err := requestFingerprint(base)
	require.NoError(t, err)

	variants := []ExecuteRequest{base, base, base, base}
	variants[0].Approvers = []string{"mallory"}
	variants[1].Quorum = "all"
	variants[2].ApprovalTimeout = 9999
	variants[3].EscalateTo = []string{"cto"}
	for i, req := range variants {
		got, err := requestFingerprint(req)
		require.NoError(t, err)
		assert.NotEqual(t, fp, got, "variant %d must change the fingerprint", i)
	}

	// The key itself is not part of the fingerprint.
	keyed := base
	keyed.IdempotencyKey = "k-1"
	got, err := requestFingerprint(keyed)
	require.NoError(t, err)
	assert.Equal(t, fp, got)
}

func TestMemoryIdempotency_ReserveOnce(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := tenantCtx("T1")
	rec := &IdemRecord{Key: "k1", Fingerprint: "fp", RunID: "run-1", ExpiresAt: time.Now().Add(time.Hour)}

	existing, reserved, err := store.Reserve(ctx, rec)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)

	existing, reserved, err = store.Reserve(ctx, &IdemRecord{Key: "k1", Fingerprint: "other", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, "fp", existing.Fingerprint)
	assert.Equal(t, "run-1", existing.RunID)
	assert.Equal(t, IdemInFlight, existing.Status)

	require.NoError(t, store.Complete(ctx, "k1"))
	existing, _, err = store.Reserve(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, IdemCompleted, existing.Status)
}

func TestMemoryIdempotency_TenantsDoNotShareKeys(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	rec := func(run string) *IdemRecord {
		return &IdemRecord{Key: "shared", Fingerprint: "fp", RunID: run, ExpiresAt: time.Now().Add(time.Hour)}
	}

	_, reserved, err := store.Reserve(tenantCtx("T1"), rec("run-t1"))
	require.NoError(t, err)
	assert.True(t, reserved)

	_, reserved, err = store.Reserve(tenantCtx("T2"), rec("run-t2"))
	require.NoError(t, err)
	assert.True(t, reserved, "tenants own independent key spaces")
}

func TestMemoryIdempotency_ExpiredRecordReclaimed(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := tenantCtx("T1")

	_, reserved, err := store.Reserve(ctx, &IdemRecord{Key: "k1", Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, reserved)

	now = now.Add(2 * time.Hour)
	_, reserved, err = store.Reserve(ctx, &IdemRecord{Key: "k1", Fingerprint: "fp2", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, reserved, "expired reservation is claimable again")
}

func TestMemoryIdempotency_DeleteRollsBackReservation(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	ctx := tenantCtx("T1")
	rec := &IdemRecord{Key: "k1", Fingerprint: "fp", ExpiresAt: time.Now().Add(time.Hour)}

	_, _, err := store.Reserve(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "k1"))

	_, reserved, err := store.Reserve(ctx, rec)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestPostgresIdempotency_ReserveAndReadBack(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresIdempotencyStore(db)
	ctx := tenantCtx("T1")
	expires := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs("T1", "k1", "fp", "InFlight", "run-1", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, reserved, err := store.Reserve(ctx, &IdemRecord{Key: "k1", Fingerprint: "fp", RunID: "run-1", ExpiresAt: expires})
	require.NoError(t, err)
	assert.True(t, reserved)

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs("T1", "k1", "fp2", "InFlight", "run-2", expires).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT fingerprint, status, run_id, expires_at`).
		WithArgs("T1", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status", "run_id", "expires_at"}).
			AddRow("fp", "Completed", "run-1", expires))

	existing, reserved, err := store.Reserve(ctx, &IdemRecord{Key: "k1", Fingerprint: "fp2", RunID: "run-2", ExpiresAt: expires})
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, "fp", existing.Fingerprint)
	assert.Equal(t, IdemCompleted, existing.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIdempotency_CompleteMissingKey(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresIdempotencyStore(db)
	ctx := tenantCtx("T1")

	mock.ExpectExec(`UPDATE idempotency_records SET status`).
		WithArgs("T1", "missing", "Completed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Complete(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
