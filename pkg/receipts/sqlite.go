package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// SQLiteStore is the local single-node receipt store used by the CLI and
// air-gapped verification. One writer at a time; SQLite serializes the
// rest.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite opens (and migrates) a local receipt database. Use ":memory:"
// for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "SQLITE_OPEN_FAILED", "open "+path, err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS receipts (
		tenant_id    TEXT NOT NULL,
		receipt_id   TEXT NOT NULL,
		run_id       TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		prior_hash   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		doc          BLOB NOT NULL,
		PRIMARY KEY (tenant_id, receipt_id)
	);
	CREATE INDEX IF NOT EXISTS receipts_run ON receipts (tenant_id, run_id);
	CREATE TABLE IF NOT EXISTS receipt_chain_heads (
		tenant_id TEXT PRIMARY KEY,
		head      TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.KindInternal, "SQLITE_MIGRATE_FAILED", "migrate schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, receipt *Receipt, expectedHead string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(receipt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_ENCODE_FAILED", "encode receipt", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "RECEIPT_SAVE_FAILED", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	err = tx.QueryRowContext(ctx, `SELECT head FROM receipt_chain_heads WHERE tenant_id = ?`, tid).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.KindInternal, "RECEIPT_LOAD_FAILED", "load chain head", err)
	}
	if head != expectedHead {
		return errs.New(errs.KindConflict, "CHAIN_HEAD_MOVED", "chain head advanced concurrently")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipt_chain_heads (tenant_id, head) VALUES (?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET head = excluded.head`, tid, receipt.ContentHash)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_SAVE_FAILED", "advance chain head", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (tenant_id, receipt_id, run_id, content_hash, prior_hash, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	return s.one(ctx, `SELECT doc FROM receipts WHERE tenant_id = ? AND receipt_id = ?`, receiptID)
}

func (s *SQLiteStore) GetByRun(ctx context.Context, runID string) (*Receipt, error) {
	return s.one(ctx, `SELECT doc FROM receipts WHERE tenant_id = ? AND run_id = ?`, runID)
}

func (s *SQLiteStore) one(ctx context.Context, query string, arg any) (*Receipt, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = s.db.QueryRowContext(ctx, query, tid, arg).Scan(&doc)
	if err != nil {
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

func (s *SQLiteStore) ChainHead(ctx context.Context) (string, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return "", err
	}
	var head string
	err = s.db.QueryRowContext(ctx, `SELECT head FROM receipt_chain_heads WHERE tenant_id = ?`, tid).Scan(&head)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", errs.Wrap(errs.KindInternal, "RECEIPT_LOAD_FAILED", "load chain head", err)
	}
	return head, nil
}

func (s *SQLiteStore) ListChain(ctx context.Context) ([]*Receipt, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM receipts WHERE tenant_id = ? ORDER BY created_at, receipt_id`, tid)
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

func (s *SQLiteStore) SetWormURI(ctx context.Context, receiptID, uri string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	receipt, err := s.Get(ctx, receiptID)
	if err != nil {
		return err
	}
	receipt.WormURI = uri
	doc, err := json.Marshal(receipt)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_ENCODE_FAILED", "encode receipt", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE receipts SET doc = ? WHERE tenant_id = ? AND receipt_id = ?`, doc, tid, receiptID)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "RECEIPT_SAVE_FAILED", "set worm uri", err)
	}
	return nil
}
