package ghostrun

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// ReportStore persists preflight reports. Reports are immutable once saved.
type ReportStore interface {
	Save(ctx context.Context, report *PreflightReport) error
	Get(ctx context.Context, reportID string) (*PreflightReport, error)
	GetByRun(ctx context.Context, runID string) (*PreflightReport, error)
	ListByPlanHash(ctx context.Context, planHash string) ([]*PreflightReport, error)
}

// MemoryReportStore keeps reports in memory, tenant-partitioned. Test use.
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports map[string]map[string]*PreflightReport // tenant -> report_id
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{reports: make(map[string]map[string]*PreflightReport)}
}

func (s *MemoryReportStore) Save(ctx context.Context, report *PreflightReport) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reports[tid] == nil {
		s.reports[tid] = make(map[string]*PreflightReport)
	}
	if _, exists := s.reports[tid][report.ReportID]; exists {
		return errs.New(errs.KindConflict, "REPORT_EXISTS", "report already saved")
	}
	cp := *report
	s.reports[tid][report.ReportID] = &cp
	return nil
}

func (s *MemoryReportStore) Get(ctx context.Context, reportID string) (*PreflightReport, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[tid][reportID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "REPORT_NOT_FOUND", "preflight report not found")
	}
	cp := *report
	return &cp, nil
}

func (s *MemoryReportStore) GetByRun(ctx context.Context, runID string) (*PreflightReport, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, report := range s.reports[tid] {
		if report.RunID != "" && report.RunID == runID {
			cp := *report
			return &cp, nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "REPORT_NOT_FOUND", "preflight report not found")
}

func (s *MemoryReportStore) ListByPlanHash(ctx context.Context, planHash string) ([]*PreflightReport, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PreflightReport
	for _, report := range s.reports[tid] {
		if report.PlanHash == planHash {
			cp := *report
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PostgresReportStore persists reports as JSON documents keyed by
// (tenant_id, report_id), with plan_hash indexed for lookup.
type PostgresReportStore struct {
	scope *tenancy.Scope
}

func NewPostgresReportStore(scope *tenancy.Scope) *PostgresReportStore {
	return &PostgresReportStore{scope: scope}
}

func (s *PostgresReportStore) Save(ctx context.Context, report *PreflightReport) error {
	doc, err := json.Marshal(report)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "REPORT_ENCODE_FAILED", "encode report", err)
	}
	res, err := s.scope.ExecContext(ctx, `
		INSERT INTO preflight_reports (tenant_id, report_id, run_id, plan_hash, report, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, report_id) DO NOTHING`,
		report.ReportID, report.RunID, report.PlanHash, doc, report.SimulatedAt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "REPORT_SAVE_FAILED", "save report", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindConflict, "REPORT_EXISTS", "report already saved")
	}
	return nil
}

func (s *PostgresReportStore) Get(ctx context.Context, reportID string) (*PreflightReport, error) {
	row, err := s.scope.QueryRowContext(ctx, `
		SELECT report FROM preflight_reports
		WHERE tenant_id = $1 AND report_id = $2`, reportID)
	if err != nil {
		return nil, err
	}
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindNotFound, "REPORT_NOT_FOUND", "preflight report not found")
		}
		return nil, errs.Wrap(errs.KindInternal, "REPORT_LOAD_FAILED", "load report", err)
	}
	var report PreflightReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "REPORT_DECODE_FAILED", "decode report", err)
	}
	return &report, nil
}

func (s *PostgresReportStore) GetByRun(ctx context.Context, runID string) (*PreflightReport, error) {
	row, err := s.scope.QueryRowContext(ctx, `
		SELECT report FROM preflight_reports
		WHERE tenant_id = $1 AND run_id = $2`, runID)
	if err != nil {
		return nil, err
	}
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindNotFound, "REPORT_NOT_FOUND", "preflight report not found")
		}
		return nil, errs.Wrap(errs.KindInternal, "REPORT_LOAD_FAILED", "load report", err)
	}
	var report PreflightReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "REPORT_DECODE_FAILED", "decode report", err)
	}
	return &report, nil
}

func (s *PostgresReportStore) ListByPlanHash(ctx context.Context, planHash string) ([]*PreflightReport, error) {
	rows, err := s.scope.QueryContext(ctx, `
		SELECT report FROM preflight_reports
		WHERE tenant_id = $1 AND plan_hash = $2
		ORDER BY created_at`, planHash)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "REPORT_LIST_FAILED", "list reports", err)
	}
	defer rows.Close()

	var out []*PreflightReport
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "REPORT_LIST_FAILED", "scan report", err)
		}
		var report PreflightReport
		if err := json.Unmarshal(doc, &report); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "REPORT_DECODE_FAILED", "decode report", err)
		}
		out = append(out, &report)
	}
	return out, rows.Err()
}
