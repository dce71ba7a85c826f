package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// Store persists approvals. Update is optimistic: the write succeeds only
// when the stored version matches the one read, so concurrent deciders and
// the deadline sweeper cannot clobber each other.
type Store interface {
	Create(ctx context.Context, approval *Approval) error
	Get(ctx context.Context, approvalID string) (*Approval, error)
	GetByClarification(ctx context.Context, clarificationID string) (*Approval, error)
	OpenByRun(ctx context.Context, runID string) (*Approval, error)
	Update(ctx context.Context, approval *Approval) error
	Expired(ctx context.Context, now time.Time) ([]*Approval, error)
}

// MemoryStore is the in-process store used in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]map[string]*Approval // tenant -> approval_id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]map[string]*Approval)}
}

func (s *MemoryStore) Create(ctx context.Context, approval *Approval) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID[tid] == nil {
		s.byID[tid] = make(map[string]*Approval)
	}
	if _, exists := s.byID[tid][approval.ID]; exists {
		return errs.New(errs.KindConflict, "APPROVAL_EXISTS", "approval already exists")
	}
	cp := cloneApproval(approval)
	cp.TenantID = tid
	s.byID[tid][approval.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, approvalID string) (*Approval, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	approval, ok := s.byID[tid][approvalID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "APPROVAL_NOT_FOUND", "approval not found")
	}
	return cloneApproval(approval), nil
}

func (s *MemoryStore) GetByClarification(ctx context.Context, clarificationID string) (*Approval, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, approval := range s.byID[tid] {
		if approval.ClarificationID == clarificationID {
			return cloneApproval(approval), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "APPROVAL_NOT_FOUND", "no approval for clarification")
}

func (s *MemoryStore) OpenByRun(ctx context.Context, runID string) (*Approval, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, approval := range s.byID[tid] {
		if approval.RunID == runID && approval.Status.Open() {
			return cloneApproval(approval), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "APPROVAL_NOT_FOUND", "no open approval for run")
}

func (s *MemoryStore) Update(ctx context.Context, approval *Approval) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[tid][approval.ID]
	if !ok {
		return errs.New(errs.KindNotFound, "APPROVAL_NOT_FOUND", "approval not found")
	}
	if current.Version != approval.Version {
		return errs.New(errs.KindConflict, "APPROVAL_STALE", "approval was modified concurrently")
	}
	cp := cloneApproval(approval)
	cp.Version++
	s.byID[tid][approval.ID] = cp
	return nil
}

func (s *MemoryStore) Expired(ctx context.Context, now time.Time) ([]*Approval, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Approval
	for _, approval := range s.byID[tid] {
		if approval.Status.Open() && approval.Deadline.Before(now) {
			out = append(out, cloneApproval(approval))
		}
	}
	return out, nil
}

// AllTenants lists tenant ids with stored approvals, for the sweeper.
func (s *MemoryStore) AllTenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byID))
	for tid := range s.byID {
		out = append(out, tid)
	}
	return out
}

func cloneApproval(a *Approval) *Approval {
	cp := *a
	cp.Approvers = append([]string(nil), a.Approvers...)
	cp.EscalateTo = append([]string(nil), a.EscalateTo...)
	cp.Responses = append([]Response(nil), a.Responses...)
	return &cp
}

// PostgresStore persists approvals as JSON documents with the workflow
// fields broken out for indexing. Optimistic concurrency rides on the
// version column.
type PostgresStore struct {
	scope *tenancy.Scope
}

func NewPostgresStore(scope *tenancy.Scope) *PostgresStore {
	return &PostgresStore{scope: scope}
}

func (s *PostgresStore) Create(ctx context.Context, approval *Approval) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	approval.TenantID = tid
	doc, err := json.Marshal(approval)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "APPROVAL_ENCODE_FAILED", "encode approval", err)
	}
	res, err := s.scope.ExecContext(ctx, `
		INSERT INTO approvals (tenant_id, approval_id, run_id, clarification_id, status, deadline, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, approval_id) DO NOTHING`,
		approval.ID, approval.RunID, approval.ClarificationID,
		string(approval.Status), approval.Deadline, approval.Version, doc)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "APPROVAL_SAVE_FAILED", "save approval", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindConflict, "APPROVAL_EXISTS", "approval already exists")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, approvalID string) (*Approval, error) {
	return s.one(ctx, `SELECT doc, version FROM approvals WHERE tenant_id = $1 AND approval_id = $2`, approvalID)
}

func (s *PostgresStore) GetByClarification(ctx context.Context, clarificationID string) (*Approval, error) {
	return s.one(ctx, `SELECT doc, version FROM approvals WHERE tenant_id = $1 AND clarification_id = $2`, clarificationID)
}

func (s *PostgresStore) OpenByRun(ctx context.Context, runID string) (*Approval, error) {
	return s.one(ctx, `
		SELECT doc, version FROM approvals
		WHERE tenant_id = $1 AND run_id = $2 AND status IN ('Pending', 'InProgress', 'Escalated')`, runID)
}

func (s *PostgresStore) one(ctx context.Context, query string, arg any) (*Approval, error) {
	row, err := s.scope.QueryRowContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	var doc []byte
	var version int
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindNotFound, "APPROVAL_NOT_FOUND", "approval not found")
		}
		return nil, errs.Wrap(errs.KindInternal, "APPROVAL_LOAD_FAILED", "load approval", err)
	}
	var approval Approval
	if err := json.Unmarshal(doc, &approval); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "APPROVAL_DECODE_FAILED", "decode approval", err)
	}
	approval.Version = version
	return &approval, nil
}

func (s *PostgresStore) Update(ctx context.Context, approval *Approval) error {
	doc, err := json.Marshal(approval)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "APPROVAL_ENCODE_FAILED", "encode approval", err)
	}
	res, err := s.scope.ExecContext(ctx, `
		UPDATE approvals
		SET status = $3, deadline = $4, doc = $5, version = version + 1
		WHERE tenant_id = $1 AND approval_id = $2 AND version = $6`,
		approval.ID, string(approval.Status), approval.Deadline, doc, approval.Version)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "APPROVAL_SAVE_FAILED", "update approval", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindConflict, "APPROVAL_STALE", "approval was modified concurrently")
	}
	return nil
}

func (s *PostgresStore) Expired(ctx context.Context, now time.Time) ([]*Approval, error) {
	rows, err := s.scope.QueryContext(ctx, `
		SELECT doc, version FROM approvals
		WHERE tenant_id = $1 AND status IN ('Pending', 'InProgress', 'Escalated') AND deadline < $2`, now)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "APPROVAL_LIST_FAILED", "list expired", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		var doc []byte
		var version int
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "APPROVAL_LIST_FAILED", "scan approval", err)
		}
		var approval Approval
		if err := json.Unmarshal(doc, &approval); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "APPROVAL_DECODE_FAILED", "decode approval", err)
		}
		approval.Version = version
		out = append(out, &approval)
	}
	return out, rows.Err()
}
