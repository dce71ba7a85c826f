package orchestrator

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/anumate/control-plane/pkg/canonicalize"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// IdemStatus is the idempotency record phase.
type IdemStatus string

const (
	IdemInFlight  IdemStatus = "InFlight"
	IdemCompleted IdemStatus = "Completed"
)

// IdemRecord binds an idempotency key to the fingerprint of the request
// that first claimed it and the run it produced.
type IdemRecord struct {
	Key         string     `json:"key"`
	TenantID    string     `json:"tenant_id"`
	Fingerprint string     `json:"fingerprint"`
	Status      IdemStatus `json:"status"`
	RunID       string     `json:"run_id"`
	ExpiresAt   time.Time  `json:"expires_at"`
}

// IdempotencyStore reserves and finalizes records. Reserve is atomic: for
// a given tenant and key exactly one caller observes reserved=true; every
// other caller gets the existing record back.
type IdempotencyStore interface {
	Reserve(ctx context.Context, rec *IdemRecord) (existing *IdemRecord, reserved bool, err error)
	Complete(ctx context.Context, key string) error
	// Delete rolls back a reservation whose run was never admitted.
	Delete(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time) (int, error)
}

// requestFingerprint hashes the normalized request so replays with the
// same key but different intent are detectable. Every request field except
// the idempotency key itself is bound: a replayed key carrying a different
// approver set or quorum must conflict, not return the cached run.
func requestFingerprint(req ExecuteRequest) (string, error) {
	req.IdempotencyKey = ""
	sum, err := canonicalize.Hash(req)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "FINGERPRINT_FAILED", "request fingerprint", err)
	}
	return sum, nil
}

// MemoryIdempotencyStore is the in-process implementation.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]map[string]*IdemRecord // tenant -> key
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records: make(map[string]map[string]*IdemRecord),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Reserve(ctx context.Context, rec *IdemRecord) (*IdemRecord, bool, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[tid] == nil {
		s.records[tid] = make(map[string]*IdemRecord)
	}
	if current, ok := s.records[tid][rec.Key]; ok {
		if current.ExpiresAt.After(s.now()) {
			copied := *current
			return &copied, false, nil
		}
		delete(s.records[tid], rec.Key)
	}
	stored := *rec
	stored.TenantID = tid
	stored.Status = IdemInFlight
	s.records[tid][rec.Key] = &stored
	return nil, true, nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, key string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[tid][key]
	if !ok {
		return errs.Newf(errs.KindNotFound, "IDEMPOTENCY_RECORD_NOT_FOUND", "no record for key %s", key)
	}
	rec.Status = IdemCompleted
	return nil
}

func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[tid], key)
	return nil
}

func (s *MemoryIdempotencyStore) Purge(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for _, byKey := range s.records {
		for key, rec := range byKey {
			if !rec.ExpiresAt.After(now) {
				delete(byKey, key)
				purged++
			}
		}
	}
	return purged, nil
}

// PostgresIdempotencyStore relies on the (tenant_id, key) primary key for
// the atomic reservation: INSERT ON CONFLICT DO NOTHING, then read back.
type PostgresIdempotencyStore struct {
	scope *tenancy.Scope
}

func NewPostgresIdempotencyStore(db *sql.DB) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{scope: tenancy.NewScope(db)}
}

func (s *PostgresIdempotencyStore) Reserve(ctx context.Context, rec *IdemRecord) (*IdemRecord, bool, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, false, err
	}
	res, err := s.scope.ExecContext(ctx,
		`INSERT INTO idempotency_records (tenant_id, key, fingerprint, status, run_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, key) DO NOTHING`,
		rec.Key, rec.Fingerprint, string(IdemInFlight), rec.RunID, rec.ExpiresAt)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "reserve record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "reserve record", err)
	}
	if affected == 1 {
		rec.TenantID = tid
		rec.Status = IdemInFlight
		return nil, true, nil
	}

	row, err := s.scope.QueryRowContext(ctx,
		`SELECT fingerprint, status, run_id, expires_at
		 FROM idempotency_records WHERE tenant_id = $1 AND key = $2`, rec.Key)
	if err != nil {
		return nil, false, err
	}
	existing := &IdemRecord{Key: rec.Key, TenantID: tid}
	var status string
	if err := row.Scan(&existing.Fingerprint, &status, &existing.RunID, &existing.ExpiresAt); err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "load record", err)
	}
	existing.Status = IdemStatus(status)
	return existing, false, nil
}

func (s *PostgresIdempotencyStore) Complete(ctx context.Context, key string) error {
	res, err := s.scope.ExecContext(ctx,
		`UPDATE idempotency_records SET status = $3 WHERE tenant_id = $1 AND key = $2`,
		key, string(IdemCompleted))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "complete record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "complete record", err)
	}
	if affected == 0 {
		return errs.Newf(errs.KindNotFound, "IDEMPOTENCY_RECORD_NOT_FOUND", "no record for key %s", key)
	}
	return nil
}

func (s *PostgresIdempotencyStore) Delete(ctx context.Context, key string) error {
	_, err := s.scope.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE tenant_id = $1 AND key = $2`, key)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "delete record", err)
	}
	return nil
}

// Purge deletes expired records across all tenants. It runs from a
// maintenance loop, not a request path, so it uses the raw handle.
func (s *PostgresIdempotencyStore) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.scope.DB().ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "purge records", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "IDEMPOTENCY_STORE_UNAVAILABLE", "purge records", err)
	}
	return int(affected), nil
}
