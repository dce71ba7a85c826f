package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// RunStore persists runs. Update is optimistic: the stored version must
// match the caller's copy or the write fails with RUN_STALE.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID string) (*Run, error)
	Update(ctx context.Context, run *Run) error
	ListByTenant(ctx context.Context, limit int) ([]*Run, error)
}

// MemoryRunStore is the in-process store for tests and single-node use.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]*Run // tenant -> run id
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]map[string]*Run)}
}

func cloneRun(r *Run) *Run {
	out := *r
	out.Parameters = nil
	if r.Parameters != nil {
		out.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			out.Parameters[k] = v
		}
	}
	out.ApprovalIDs = append([]string(nil), r.ApprovalIDs...)
	out.Results = append([]StepResult(nil), r.Results...)
	return &out
}

func (s *MemoryRunStore) Create(ctx context.Context, run *Run) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs[tid] == nil {
		s.runs[tid] = make(map[string]*Run)
	}
	if _, ok := s.runs[tid][run.RunID]; ok {
		return errs.Newf(errs.KindConflict, "RUN_EXISTS", "run %s already exists", run.RunID)
	}
	run.TenantID = tid
	run.Version = 1
	s.runs[tid][run.RunID] = cloneRun(run)
	return nil
}

func (s *MemoryRunStore) Get(ctx context.Context, runID string) (*Run, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[tid][runID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "RUN_NOT_FOUND", "run %s not found", runID)
	}
	return cloneRun(run), nil
}

func (s *MemoryRunStore) Update(ctx context.Context, run *Run) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[tid][run.RunID]
	if !ok {
		return errs.Newf(errs.KindNotFound, "RUN_NOT_FOUND", "run %s not found", run.RunID)
	}
	if current.Version != run.Version {
		return errs.New(errs.KindConflict, "RUN_STALE", "run was modified concurrently")
	}
	run.Version++
	s.runs[tid][run.RunID] = cloneRun(run)
	return nil
}

func (s *MemoryRunStore) ListByTenant(ctx context.Context, limit int) ([]*Run, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.runs[tid]))
	for _, run := range s.runs[tid] {
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresRunStore keeps the status and timestamps broken out for
// querying and the full run as a JSON document.
type PostgresRunStore struct {
	scope *tenancy.Scope
}

func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{scope: tenancy.NewScope(db)}
}

func (s *PostgresRunStore) Create(ctx context.Context, run *Run) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	run.TenantID = tid
	run.Version = 1
	doc, err := json.Marshal(run)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RUN_ENCODE_FAILED", "encode run", err)
	}
	_, err = s.scope.ExecContext(ctx,
		`INSERT INTO runs (tenant_id, run_id, status, version, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, string(run.Status), run.Version, run.CreatedAt, doc)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "RUN_STORE_UNAVAILABLE", "insert run", err)
	}
	return nil
}

func (s *PostgresRunStore) Get(ctx context.Context, runID string) (*Run, error) {
	row, err := s.scope.QueryRowContext(ctx,
		`SELECT doc FROM runs WHERE tenant_id = $1 AND run_id = $2`, runID)
	if err != nil {
		return nil, err
	}
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.Newf(errs.KindNotFound, "RUN_NOT_FOUND", "run %s not found", runID)
		}
		return nil, errs.Wrap(errs.KindTransient, "RUN_STORE_UNAVAILABLE", "load run", err)
	}
	run := &Run{}
	if err := json.Unmarshal(doc, run); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "RUN_DECODE_FAILED", "decode run", err)
	}
	return run, nil
}

func (s *PostgresRunStore) Update(ctx context.Context, run *Run) error {
	expected := run.Version
	run.Version++
	doc, err := json.Marshal(run)
	if err != nil {
		run.Version = expected
		return errs.Wrap(errs.KindInternal, "RUN_ENCODE_FAILED", "encode run", err)
	}
	res, err := s.scope.ExecContext(ctx,
		`UPDATE runs SET status = $3, version = $4, doc = $5
		 WHERE tenant_id = $1 AND run_id = $2 AND version = $6`,
		run.RunID, string(run.Status), run.Version, doc, expected)
	if err != nil {
		run.Version = expected
		return errs.Wrap(errs.KindTransient, "RUN_STORE_UNAVAILABLE", "update run", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		run.Version = expected
		return errs.Wrap(errs.KindTransient, "RUN_STORE_UNAVAILABLE", "update run", err)
	}
	if affected == 0 {
		run.Version = expected
		return errs.New(errs.KindConflict, "RUN_STALE", "run was modified concurrently")
	}
	return nil
}

func (s *PostgresRunStore) ListByTenant(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.scope.QueryContext(ctx,
		`SELECT doc FROM runs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "RUN_STORE_UNAVAILABLE", "list runs", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "RUN_STORE_UNAVAILABLE", "scan run", err)
		}
		run := &Run{}
		if err := json.Unmarshal(doc, run); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "RUN_DECODE_FAILED", "decode run", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
