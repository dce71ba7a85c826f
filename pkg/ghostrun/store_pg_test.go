package ghostrun

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

func TestPostgresReportStore_SaveAndGetByRun(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresReportStore(tenancy.NewScope(db))
	report := &PreflightReport{
		ReportID:    "rep-1",
		RunID:       "sim-1",
		PlanHash:    "hash-1",
		TenantID:    "T1",
		Feasible:    true,
		SimulatedAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(`INSERT INTO preflight_reports`).
		WithArgs("T1", "rep-1", "sim-1", "hash-1", sqlmock.AnyArg(), report.SimulatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(tenantCtx("T1"), report))

	doc := `{"report_id":"rep-1","run_id":"sim-1","plan_hash":"hash-1","feasible":true}`
	mock.ExpectQuery(`SELECT report FROM preflight_reports`).
		WithArgs("T1", "sim-1").
		WillReturnRows(sqlmock.NewRows([]string{"report"}).AddRow([]byte(doc)))

	got, err := store.GetByRun(tenantCtx("T1"), "sim-1")
	require.NoError(t, err)
	assert.Equal(t, "rep-1", got.ReportID)
	assert.Equal(t, "sim-1", got.RunID)
	assert.True(t, got.Feasible)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReportStore_GetByRunMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT report FROM preflight_reports`).
		WithArgs("T1", "unknown").
		WillReturnRows(sqlmock.NewRows([]string{"report"}))

	store := NewPostgresReportStore(tenancy.NewScope(db))
	_, err = store.GetByRun(tenantCtx("T1"), "unknown")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
