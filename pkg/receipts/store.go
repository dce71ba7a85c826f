package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// Store persists receipts. Append is atomic with the chain head update:
// it succeeds only when expectedHead still matches the tenant's head, so
// two writers cannot both extend the same link.
type Store interface {
	Append(ctx context.Context, receipt *Receipt, expectedHead string) error
	Get(ctx context.Context, receiptID string) (*Receipt, error)
	GetByRun(ctx context.Context, runID string) (*Receipt, error)
	ChainHead(ctx context.Context) (string, error)
	// ListChain returns the tenant's receipts in append order.
	ListChain(ctx context.Context) ([]*Receipt, error)
	SetWormURI(ctx context.Context, receiptID, uri string) error
}

// MemoryStore keeps receipts in memory, tenant-partitioned. Test use.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]map[string]*Receipt // tenant -> receipt_id
	order map[string][]string            // tenant -> append order of receipt ids
	heads map[string]string              // tenant -> chain head content hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]map[string]*Receipt),
		order: make(map[string][]string),
		heads: make(map[string]string),
	}
}

func (s *MemoryStore) Append(ctx context.Context, receipt *Receipt, expectedHead string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heads[tid] != expectedHead {
		return errs.New(errs.KindConflict, "CHAIN_HEAD_MOVED", "chain head advanced concurrently")
	}
	if s.byID[tid] == nil {
		s.byID[tid] = make(map[string]*Receipt)
	}
	if _, exists := s.byID[tid][receipt.ID]; exists {
		return errs.New(errs.KindConflict, "RECEIPT_EXISTS", "receipt already stored")
	}
	cp := *receipt
	s.byID[tid][receipt.ID] = &cp
	s.order[tid] = append(s.order[tid], receipt.ID)
	s.heads[tid] = receipt.ContentHash
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	receipt, ok := s.byID[tid][receiptID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "RECEIPT_NOT_FOUND", "receipt not found")
	}
	cp := *receipt
	return &cp, nil
}

func (s *MemoryStore) GetByRun(ctx context.Context, runID string) (*Receipt, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, receipt := range s.byID[tid] {
		if receipt.Payload.RunID == runID {
			cp := *receipt
			return &cp, nil
		}
	}
	return nil, errs.New(errs.KindNotFound, "RECEIPT_NOT_FOUND", "no receipt for run")
}

func (s *MemoryStore) ChainHead(ctx context.Context) (string, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heads[tid], nil
}

func (s *MemoryStore) ListChain(ctx context.Context) ([]*Receipt, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Receipt, 0, len(s.order[tid]))
	for _, id := range s.order[tid] {
		cp := *s.byID[tid][id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SetWormURI(ctx context.Context, receiptID, uri string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.byID[tid][receiptID]
	if !ok {
		return errs.New(errs.KindNotFound, "RECEIPT_NOT_FOUND", "receipt not found")
	}
	receipt.WormURI = uri
	return nil
}

// PostgresStore persists receipts with a separate chain-head row per
// tenant. The head is advanced with a compare-and-set inside the same
// transaction as the insert.
type PostgresStore struct {
	scope *tenancy.Scope
}

func NewPostgresStore(scope *tenancy.Scope) *PostgresStore {
	return &PostgresStore{scope: scope}
}

func (s *PostgresStore) Append(ctx context.Context, receipt *Receipt, expectedHead string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(receipt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_ENCODE_FAILED", "encode receipt", err)
	}

	tx, err := s.scope.DB().BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "RECEIPT_SAVE_FAILED", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if expectedHead == "" {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO receipt_chain_heads (tenant_id, head)
			VALUES ($1, $2)
			ON CONFLICT (tenant_id) DO NOTHING`, tid, receipt.ContentHash)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE receipt_chain_heads SET head = $2
			WHERE tenant_id = $1 AND head = $3`, tid, receipt.ContentHash, expectedHead)
	}
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_SAVE_FAILED", "advance chain head", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindConflict, "CHAIN_HEAD_MOVED", "chain head advanced concurrently")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (tenant_id, receipt_id, run_id, content_hash, prior_hash, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tid, receipt.ID, receipt.Payload.RunID, receipt.ContentHash,
		receipt.PriorReceiptHash, receipt.CreatedAt, doc)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_SAVE_FAILED", "insert receipt", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindTransient, "RECEIPT_SAVE_FAILED", "commit", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	return s.one(ctx, `SELECT doc FROM receipts WHERE tenant_id = $1 AND receipt_id = $2`, receiptID)
}

func (s *PostgresStore) GetByRun(ctx context.Context, runID string) (*Receipt, error) {
	return s.one(ctx, `SELECT doc FROM receipts WHERE tenant_id = $1 AND run_id = $2`, runID)
}

func (s *PostgresStore) one(ctx context.Context, query string, arg any) (*Receipt, error) {
	row, err := s.scope.QueryRowContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindNotFound, "RECEIPT_NOT_FOUND", "receipt not found")
		}
		return nil, errs.Wrap(errs.KindInternal, "RECEIPT_LOAD_FAILED", "load receipt", err)
	}
	var receipt Receipt
	if err := json.Unmarshal(doc, &receipt); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "RECEIPT_DECODE_FAILED", "decode receipt", err)
	}
	return &receipt, nil
}

func (s *PostgresStore) ChainHead(ctx context.Context) (string, error) {
	row, err := s.scope.QueryRowContext(ctx, `SELECT head FROM receipt_chain_heads WHERE tenant_id = $1`)
	if err != nil {
		return "", err
	}
	var head string
	if err := row.Scan(&head); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", errs.Wrap(errs.KindInternal, "RECEIPT_LOAD_FAILED", "load chain head", err)
	}
	return head, nil
}

func (s *PostgresStore) ListChain(ctx context.Context) ([]*Receipt, error) {
	rows, err := s.scope.QueryContext(ctx, `
		SELECT doc FROM receipts WHERE tenant_id = $1 ORDER BY created_at, receipt_id`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "RECEIPT_LIST_FAILED", "list receipts", err)
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "RECEIPT_LIST_FAILED", "scan receipt", err)
		}
		var receipt Receipt
		if err := json.Unmarshal(doc, &receipt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "RECEIPT_DECODE_FAILED", "decode receipt", err)
		}
		out = append(out, &receipt)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetWormURI(ctx context.Context, receiptID, uri string) error {
	receipt, err := s.Get(ctx, receiptID)
	if err != nil {
		return err
	}
	receipt.WormURI = uri
	doc, err := json.Marshal(receipt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_ENCODE_FAILED", "encode receipt", err)
	}
	_, err = s.scope.ExecContext(ctx, `
		UPDATE receipts SET doc = $3 WHERE tenant_id = $1 AND receipt_id = $2`, receiptID, doc)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_SAVE_FAILED", "set worm uri", err)
	}
	return nil
}
