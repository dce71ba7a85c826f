// Package receipts produces tamper-evident records of execution outcomes:
// content-addressed, Ed25519-signed, chained per tenant and optionally
// exported to an append-only WORM sink.
package receipts

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/canonicalize"
	"github.com/anumate/control-plane/pkg/crypto"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// Payload is the signed content of a receipt. Every field participates in
// the content hash.
type Payload struct {
	RunID              string    `json:"run_id"`
	PlanHash           string    `json:"plan_hash"`
	TenantID           string    `json:"tenant_id"`
	Status             string    `json:"status"`
	ResultsDigest      string    `json:"results_digest"`
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
	CapabilityTokenJTI string    `json:"capability_token_jti,omitempty"`
}

// Receipt is the persisted record. ContentHash covers the payload only;
// the signature covers the content hash; PriorReceiptHash links the
// per-tenant chain.
type Receipt struct {
	ID               string    `json:"receipt_id"`
	TenantID         string    `json:"tenant_id"`
	Payload          Payload   `json:"payload"`
	ContentHash      string    `json:"content_hash"`
	Signature        string    `json:"signature"`
	SigningKeyID     string    `json:"signing_key_id,omitempty"`
	PriorReceiptHash string    `json:"prior_receipt_hash,omitempty"`
	WormURI          string    `json:"worm_uri,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// VerifyResult is the outcome of receipt verification.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Service creates and verifies receipts.
type Service struct {
	store  Store
	signer *crypto.Ed25519Signer
	keys   *crypto.Keyring
	worm   Sink
	events *eventbus.Publisher
	audit  audit.Logger
	logger *slog.Logger
	now    func() time.Time
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithWORM attaches an append-only export sink.
func WithWORM(sink Sink) ServiceOption {
	return func(s *Service) { s.worm = sink }
}

// WithKeyring signs with the keyring's active key and resolves
// verification keys by the signing key id, so receipts signed before a
// rotation still verify.
func WithKeyring(keys *crypto.Keyring) ServiceOption {
	return func(s *Service) { s.keys = keys }
}

func NewService(store Store, signer *crypto.Ed25519Signer, auditLog audit.Logger, events *eventbus.Publisher, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		signer: signer,
		audit:  auditLog,
		events: events,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create assembles, hashes, signs and appends a receipt to the tenant's
// chain. The chain head advances atomically; a concurrent writer retries
// against the new head.
func (s *Service) Create(ctx context.Context, payload Payload) (*Receipt, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if payload.TenantID == "" {
		payload.TenantID = tid
	}
	if payload.TenantID != tid {
		return nil, errs.New(errs.KindDenied, "TENANT_MISMATCH", "payload tenant does not match caller")
	}
	if payload.RunID == "" || payload.PlanHash == "" {
		return nil, errs.New(errs.KindValidation, "PAYLOAD_INCOMPLETE", "run_id and plan_hash are required")
	}

	contentHash, err := canonicalize.Hash(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "RECEIPT_HASH_FAILED", "content hash", err)
	}
	signer := s.activeSigner()
	signature, err := signer.Sign([]byte(contentHash))
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "RECEIPT_SIGN_FAILED", "sign receipt", err)
	}

	receipt := &Receipt{
		ID:           uuid.New().String(),
		TenantID:     tid,
		Payload:      payload,
		ContentHash:  contentHash,
		Signature:    signature,
		SigningKeyID: signer.KeyID,
		CreatedAt:    s.now().UTC(),
	}

	// Chain append with bounded retry on head movement.
	const maxAttempts = 5
	for attempt := 0; ; attempt++ {
		head, err := s.store.ChainHead(ctx)
		if err != nil {
			return nil, err
		}
		receipt.PriorReceiptHash = head
		err = s.store.Append(ctx, receipt, head)
		if err == nil {
			break
		}
		if !errs.IsKind(err, errs.KindConflict) || attempt+1 >= maxAttempts {
			return nil, err
		}
	}

	if s.worm != nil {
		uri, err := s.exportWORM(ctx, receipt)
		if err != nil {
			// The receipt is durable locally; export failure is surfaced
			// but does not undo the append.
			s.logger.Warn("worm export failed", "receipt_id", receipt.ID, "error", err)
		} else {
			receipt.WormURI = uri
			if err := s.store.SetWormURI(ctx, receipt.ID, uri); err != nil {
				s.logger.Warn("worm uri persist failed", "receipt_id", receipt.ID, "error", err)
			}
		}
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, audit.EventMutation, "receipt.created", "receipt/"+receipt.ID, map[string]any{
			"run_id":       payload.RunID,
			"plan_hash":    payload.PlanHash,
			"content_hash": receipt.ContentHash,
		})
	}
	_ = s.events.Emit(ctx, eventbus.SubjectReceiptCreated, payload.RunID, receipt)
	return receipt, nil
}

// Get returns a receipt by id.
func (s *Service) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	return s.store.Get(ctx, receiptID)
}

// GetByRun returns the receipt for a run.
func (s *Service) GetByRun(ctx context.Context, runID string) (*Receipt, error) {
	return s.store.GetByRun(ctx, runID)
}

// activeSigner prefers the keyring's current key when one is configured.
func (s *Service) activeSigner() *crypto.Ed25519Signer {
	if s.keys != nil {
		return s.keys.Active()
	}
	return s.signer
}

// PublicKey returns the hex-encoded verification key for this service's
// signatures.
func (s *Service) PublicKey() string {
	return s.activeSigner().PublicKey()
}

// Verify recomputes the content hash, checks the signature against the
// given public key, and, when the receipt carries a WORM URI and a sink is
// configured, compares the exported copy. With a keyring configured, the
// receipt's signing key id selects the verification key; the given key is
// the fallback for unknown ids.
func (s *Service) Verify(ctx context.Context, receipt *Receipt, publicKeyHex string) VerifyResult {
	recomputed, err := canonicalize.Hash(receipt.Payload)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "payload not canonicalizable"}
	}
	if recomputed != receipt.ContentHash {
		return VerifyResult{Valid: false, Reason: "content hash mismatch"}
	}

	if s.keys != nil && receipt.SigningKeyID != "" {
		if pub, err := s.keys.PublicKeyFor(receipt.SigningKeyID); err == nil {
			publicKeyHex = pub
		}
	}
	ok, err := crypto.Verify(publicKeyHex, receipt.Signature, []byte(receipt.ContentHash))
	if err != nil {
		return VerifyResult{Valid: false, Reason: "signature malformed: " + err.Error()}
	}
	if !ok {
		return VerifyResult{Valid: false, Reason: "signature verification failed"}
	}

	if receipt.WormURI != "" && s.worm != nil {
		exported, err := s.worm.Get(ctx, receipt.WormURI)
		if err != nil {
			return VerifyResult{Valid: false, Reason: "worm copy unavailable: " + err.Error()}
		}
		var stored Receipt
		if err := json.Unmarshal(exported, &stored); err != nil {
			return VerifyResult{Valid: false, Reason: "worm copy undecodable"}
		}
		if stored.ContentHash != receipt.ContentHash || stored.Signature != receipt.Signature {
			return VerifyResult{Valid: false, Reason: "worm copy diverges from stored receipt"}
		}
	}
	return VerifyResult{Valid: true}
}

// VerifyChain walks the tenant's chain from the head backwards and checks
// every link and signature.
func (s *Service) VerifyChain(ctx context.Context, publicKeyHex string) VerifyResult {
	receiptsList, err := s.store.ListChain(ctx)
	if err != nil {
		return VerifyResult{Valid: false, Reason: "chain unavailable: " + err.Error()}
	}

	prior := ""
	for _, receipt := range receiptsList {
		if receipt.PriorReceiptHash != prior {
			return VerifyResult{Valid: false, Reason: "chain link broken at " + receipt.ID}
		}
		if res := s.Verify(ctx, receipt, publicKeyHex); !res.Valid {
			return VerifyResult{Valid: false, Reason: "receipt " + receipt.ID + ": " + res.Reason}
		}
		prior = receipt.ContentHash
	}
	return VerifyResult{Valid: true}
}

func (s *Service) exportWORM(ctx context.Context, receipt *Receipt) (string, error) {
	body, err := canonicalize.Canonical(receipt)
	if err != nil {
		return "", err
	}
	key := receipt.TenantID + "/" + receipt.ID + ".json"
	return s.worm.Put(ctx, key, body)
}
