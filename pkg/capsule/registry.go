package capsule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// Registry stores capsules per tenant. Versions are immutable once created;
// Delete is a soft delete.
type Registry interface {
	Create(ctx context.Context, c *Capsule) (*Capsule, error)
	Get(ctx context.Context, id string) (*Capsule, error)
	GetByRef(ctx context.Context, name, version string) (*Capsule, error)
	List(ctx context.Context, limit, offset int) ([]*Capsule, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRegistry is the in-process Registry used in tests and single-node
// mode.
type MemoryRegistry struct {
	mu       sync.RWMutex
	byID     map[string]*Capsule          // id -> capsule
	byTenant map[string]map[string]string // tenant -> ref -> id
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:     make(map[string]*Capsule),
		byTenant: make(map[string]map[string]string),
	}
}

func (r *MemoryRegistry) Create(ctx context.Context, c *Capsule) (*Capsule, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthorized, "TENANT_MISSING", "capsule create", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.byTenant[tid]
	if refs == nil {
		refs = make(map[string]string)
		r.byTenant[tid] = refs
	}
	if _, exists := refs[c.Ref()]; exists {
		return nil, errs.Newf(errs.KindConflict, "CAPSULE_EXISTS", "capsule %s already exists", c.Ref())
	}

	stored := *c
	stored.ID = uuid.New().String()
	stored.TenantID = tid
	stored.CreatedAt = time.Now().UTC()
	if err := stored.ComputeChecksum(); err != nil {
		return nil, err
	}

	r.byID[stored.ID] = &stored
	refs[stored.Ref()] = stored.ID
	return &stored, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Capsule, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthorized, "TENANT_MISSING", "capsule get", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok || c.TenantID != tid || c.DeletedAt != nil {
		return nil, errs.Newf(errs.KindNotFound, "CAPSULE_NOT_FOUND", "capsule %s not found", id)
	}
	out := *c
	return &out, nil
}

func (r *MemoryRegistry) GetByRef(ctx context.Context, name, version string) (*Capsule, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthorized, "TENANT_MISSING", "capsule get", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTenant[tid][name+"@"+version]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "CAPSULE_NOT_FOUND", "capsule %s@%s not found", name, version)
	}
	c := r.byID[id]
	if c == nil || c.DeletedAt != nil {
		return nil, errs.Newf(errs.KindNotFound, "CAPSULE_NOT_FOUND", "capsule %s@%s not found", name, version)
	}
	out := *c
	return &out, nil
}

func (r *MemoryRegistry) List(ctx context.Context, limit, offset int) ([]*Capsule, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnauthorized, "TENANT_MISSING", "capsule list", err)
	}
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Capsule
	skipped := 0
	for _, id := range r.byTenant[tid] {
		c := r.byID[id]
		if c == nil || c.DeletedAt != nil {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= limit {
			break
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return errs.Wrap(errs.KindUnauthorized, "TENANT_MISSING", "capsule delete", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok || c.TenantID != tid || c.DeletedAt != nil {
		return errs.Newf(errs.KindNotFound, "CAPSULE_NOT_FOUND", "capsule %s not found", id)
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	return nil
}

// PostgresRegistry is the durable Registry. Uniqueness rides on the
// (tenant_id, name, version) constraint.
type PostgresRegistry struct {
	scope *tenancy.Scope
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{scope: tenancy.NewScope(db)}
}

func (r *PostgresRegistry) Create(ctx context.Context, c *Capsule) (*Capsule, error) {
	stored := *c
	stored.ID = uuid.New().String()
	stored.CreatedAt = time.Now().UTC()
	if err := stored.ComputeChecksum(); err != nil {
		return nil, err
	}
	def, err := json.Marshal(stored.Definition)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "CAPSULE_ENCODE_FAILED", "capsule definition encode", err)
	}

	res, err := r.scope.ExecContext(ctx, `
		INSERT INTO capsules (tenant_id, id, name, version, definition, checksum, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, name, version) DO NOTHING
	`, stored.ID, stored.Name, stored.Version, def, stored.Checksum, stored.Signature, stored.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_STORE_FAILED", "capsule insert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.Newf(errs.KindConflict, "CAPSULE_EXISTS", "capsule %s already exists", stored.Ref())
	}
	stored.TenantID, _ = tenancy.TenantID(ctx)
	return &stored, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (*Capsule, error) {
	row, err := r.scope.QueryRowContext(ctx, `
		SELECT id, name, version, definition, checksum, signature, created_at
		FROM capsules
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return nil, err
	}
	return r.scan(ctx, row)
}

func (r *PostgresRegistry) GetByRef(ctx context.Context, name, version string) (*Capsule, error) {
	row, err := r.scope.QueryRowContext(ctx, `
		SELECT id, name, version, definition, checksum, signature, created_at
		FROM capsules
		WHERE tenant_id = $1 AND name = $2 AND version = $3 AND deleted_at IS NULL
	`, name, version)
	if err != nil {
		return nil, err
	}
	return r.scan(ctx, row)
}

func (r *PostgresRegistry) List(ctx context.Context, limit, offset int) ([]*Capsule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.scope.QueryContext(ctx, `
		SELECT id, name, version, definition, checksum, signature, created_at
		FROM capsules
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, limit, offset)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_STORE_FAILED", "capsule list", err)
	}
	defer func() { _ = rows.Close() }()

	tid, _ := tenancy.TenantID(ctx)
	var out []*Capsule
	for rows.Next() {
		var c Capsule
		var def []byte
		var sig sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Version, &def, &c.Checksum, &sig, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(def, &c.Definition); err != nil {
			return nil, fmt.Errorf("corrupt capsule definition %s: %w", c.ID, err)
		}
		c.Signature = sig.String
		c.TenantID = tid
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Delete(ctx context.Context, id string) error {
	res, err := r.scope.ExecContext(ctx, `
		UPDATE capsules SET deleted_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_STORE_FAILED", "capsule delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.KindNotFound, "CAPSULE_NOT_FOUND", "capsule %s not found", id)
	}
	return nil
}

func (r *PostgresRegistry) scan(ctx context.Context, row *sql.Row) (*Capsule, error) {
	var c Capsule
	var def []byte
	var sig sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Version, &def, &c.Checksum, &sig, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindNotFound, "CAPSULE_NOT_FOUND", "capsule not found")
		}
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_STORE_FAILED", "capsule query", err)
	}
	if err := json.Unmarshal(def, &c.Definition); err != nil {
		return nil, fmt.Errorf("corrupt capsule definition %s: %w", c.ID, err)
	}
	c.Signature = sig.String
	c.TenantID, _ = tenancy.TenantID(ctx)
	return &c, nil
}
