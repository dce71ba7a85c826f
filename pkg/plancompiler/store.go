package plancompiler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// PlanStore persists compiled plans by hash so they survive process
// restarts. Plans are content-addressed and immutable: saving the same
// hash twice is a no-op.
type PlanStore interface {
	Save(ctx context.Context, plan *ExecutablePlan) error
	Get(ctx context.Context, planHash string) (*ExecutablePlan, error)
}

// PostgresPlanStore stores plans as JSON documents keyed by
// (tenant_id, plan_hash).
type PostgresPlanStore struct {
	scope *tenancy.Scope
}

func NewPostgresPlanStore(scope *tenancy.Scope) *PostgresPlanStore {
	return &PostgresPlanStore{scope: scope}
}

func (s *PostgresPlanStore) Save(ctx context.Context, plan *ExecutablePlan) error {
	if plan == nil || plan.PlanHash == "" {
		return errs.New(errs.KindValidation, "PLAN_REQUIRED", "cannot persist an unhashed plan")
	}
	doc, err := json.Marshal(plan)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "PLAN_ENCODE_FAILED", "encode plan", err)
	}
	// Identical hash means identical content, so losing the insert race is
	// not an error.
	_, err = s.scope.ExecContext(ctx, `
		INSERT INTO plans (tenant_id, plan_hash, capsule_ref, doc, compiled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, plan_hash) DO NOTHING`,
		plan.PlanHash, plan.CapsuleRef, doc, plan.CompiledAt)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "PLAN_SAVE_FAILED", "save plan", err)
	}
	return nil
}

func (s *PostgresPlanStore) Get(ctx context.Context, planHash string) (*ExecutablePlan, error) {
	row, err := s.scope.QueryRowContext(ctx, `
		SELECT doc FROM plans
		WHERE tenant_id = $1 AND plan_hash = $2`, planHash)
	if err != nil {
		return nil, err
	}
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.Newf(errs.KindNotFound, "PLAN_NOT_FOUND", "no compiled plan for hash %s", planHash)
		}
		return nil, errs.Wrap(errs.KindInternal, "PLAN_LOAD_FAILED", "load plan", err)
	}
	var plan ExecutablePlan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "PLAN_DECODE_FAILED", "decode plan", err)
	}
	return &plan, nil
}
