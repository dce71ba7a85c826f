// Package captokens issues and verifies short-lived capability tokens.
// A token binds {subject, capabilities, tenant} to a time window of at most
// five minutes and is consumed at most once: the replay guard records each
// jti on first successful verification.
package captokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/crypto"
	"github.com/anumate/control-plane/pkg/errs"
)

const (
	// MaxTTL is the hard upper bound on token lifetime.
	MaxTTL = 300 * time.Second

	issuer = "anumate-captokens"
)

// Claims are the JWT claims carried by a capability token.
type Claims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"capabilities"`
	TenantID     string   `json:"tenant_id"`
}

// Token is an issued capability token with its metadata.
type Token struct {
	Token        string    `json:"token"`
	TokenID      string    `json:"token_id"`
	Subject      string    `json:"subject"`
	TenantID     string    `json:"tenant_id"`
	Capabilities []string  `json:"capabilities"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ReplayGuard records consumed token ids. InsertIfAbsent must be atomic:
// concurrent contenders see exactly one success.
type ReplayGuard interface {
	InsertIfAbsent(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// Service issues, verifies, refreshes and revokes capability tokens.
type Service struct {
	signer *crypto.Ed25519Signer
	guard  ReplayGuard
	audit  audit.Logger
	maxTTL time.Duration
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxTTL lowers the TTL ceiling below the 300 s hard bound.
func WithMaxTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 && d < MaxTTL {
			s.maxTTL = d
		}
	}
}

// NewService creates the token service. The guard must be durable in
// non-test environments; see the wiring in cmd/anumate.
func NewService(signer *crypto.Ed25519Signer, guard ReplayGuard, auditLog audit.Logger, opts ...Option) *Service {
	s := &Service{
		signer: signer,
		guard:  guard,
		audit:  auditLog,
		maxTTL: MaxTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a signed token for subject with the given capabilities.
func (s *Service) Issue(ctx context.Context, subject string, capabilities []string, ttl time.Duration, tenantID string) (*Token, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		return nil, errs.Newf(errs.KindValidation, "INVALID_TTL",
			"token ttl must be in (0s, %s], got %s", s.maxTTL, ttl)
	}
	if subject == "" || tenantID == "" {
		return nil, errs.New(errs.KindValidation, "INVALID_CLAIMS", "subject and tenant are required")
	}

	jti := uuid.New().String()
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"tenant:" + tenantID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
		Capabilities: capabilities,
		TenantID:     tenantID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.signer.PrivateKey())
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "TOKEN_SIGN_FAILED", "signing capability token", err)
	}

	s.record(ctx, "captoken.issued", jti, map[string]any{
		"subject": subject, "tenant_id": tenantID, "capabilities": capabilities, "exp": exp,
	})

	return &Token{
		Token:        signed,
		TokenID:      jti,
		Subject:      subject,
		TenantID:     tenantID,
		Capabilities: capabilities,
		IssuedAt:     now,
		ExpiresAt:    exp,
	}, nil
}

// Verify validates signature, expiry and audience, then consumes the jti in
// the replay guard. A second Verify with the same jti fails ReplayDetected.
func (s *Service) Verify(ctx context.Context, tokenStr, tenantID string) (*Claims, error) {
	claims, err := s.decode(tokenStr)
	if err != nil {
		s.record(ctx, "captoken.failed", "", map[string]any{"reason": err.Error()})
		return nil, err
	}

	if tenantID != "" {
		wantAud := "tenant:" + tenantID
		found := false
		for _, aud := range claims.Audience {
			if aud == wantAud {
				found = true
				break
			}
		}
		if !found || claims.TenantID != tenantID {
			s.record(ctx, "captoken.failed", claims.ID, map[string]any{"reason": "audience mismatch"})
			return nil, errs.New(errs.KindUnauthorized, "AUDIENCE_MISMATCH", "token not bound to this tenant")
		}
	}

	inserted, err := s.guard.InsertIfAbsent(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "REPLAY_GUARD_UNAVAILABLE", "replay guard check", err)
	}
	if !inserted {
		s.record(ctx, "captoken.failed", claims.ID, map[string]any{"reason": "replay detected"})
		return nil, errs.New(errs.KindConflict, "REPLAY_DETECTED", "token already consumed")
	}

	s.record(ctx, "captoken.verified", claims.ID, map[string]any{"subject": claims.Subject})
	return claims, nil
}

// CheckCapability wraps Verify and tests membership of required.
func (s *Service) CheckCapability(ctx context.Context, tokenStr, tenantID, required string) (bool, error) {
	claims, err := s.Verify(ctx, tokenStr, tenantID)
	if err != nil {
		return false, err
	}
	for _, c := range claims.Capabilities {
		if c == required {
			return true, nil
		}
	}
	return false, nil
}

// Refresh rotates a token: the old jti is invalidated in the guard and a
// new token with identical subject/capabilities/tenant is issued.
func (s *Service) Refresh(ctx context.Context, tokenStr string, newTTL time.Duration) (*Token, error) {
	claims, err := s.decode(tokenStr)
	if err != nil {
		return nil, err
	}

	// Consume the old jti so it can never be verified again. An already
	// consumed token cannot be refreshed.
	inserted, err := s.guard.InsertIfAbsent(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "REPLAY_GUARD_UNAVAILABLE", "replay guard check", err)
	}
	if !inserted {
		return nil, errs.New(errs.KindConflict, "REPLAY_DETECTED", "token already consumed")
	}

	fresh, err := s.Issue(ctx, claims.Subject, claims.Capabilities, newTTL, claims.TenantID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "captoken.refreshed", fresh.TokenID, map[string]any{"previous_jti": claims.ID})
	return fresh, nil
}

// Revoke invalidates a token id. Idempotent: revoking a consumed or already
// revoked token succeeds.
func (s *Service) Revoke(ctx context.Context, tokenID, tenantID string) error {
	if tokenID == "" {
		return errs.New(errs.KindValidation, "INVALID_TOKEN_ID", "token_id is required")
	}
	// Insert with the maximum window; the guard expires the entry itself.
	_, err := s.guard.InsertIfAbsent(ctx, tokenID, s.now().Add(s.maxTTL))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "REPLAY_GUARD_UNAVAILABLE", "replay guard insert", err)
	}
	s.record(ctx, "captoken.revoked", tokenID, map[string]any{"tenant_id": tenantID})
	return nil
}

// PublicKey returns the hex verification key for external verifiers.
func (s *Service) PublicKey() string {
	return s.signer.PublicKey()
}

func (s *Service) decode(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return s.signer.PublicKeyBytes(), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.New(errs.KindUnauthorized, "TOKEN_EXPIRED", "token has expired")
		}
		return nil, errs.Wrap(errs.KindUnauthorized, "TOKEN_INVALID", "token validation failed", err)
	}
	if !token.Valid || claims.ID == "" {
		return nil, errs.New(errs.KindUnauthorized, "TOKEN_INVALID", "invalid token")
	}
	return claims, nil
}

func (s *Service) record(ctx context.Context, action, jti string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, audit.EventAccess, action, fmt.Sprintf("captoken/%s", jti), metadata)
}
