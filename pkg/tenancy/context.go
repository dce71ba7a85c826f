// Package tenancy carries the tenant boundary through the request path.
// Every entity in the control plane is tenant-scoped; the active tenant is
// established once by middleware and read everywhere else from the context.
package tenancy

import (
	"context"
	"errors"
)

type contextKey string

const (
	principalKey   contextKey = "principal"
	correlationKey contextKey = "correlation_id"
)

// Principal identifies the caller of a request: tenant binding, actor, and
// the capability strings granted to it.
type Principal struct {
	ActorID      string
	TenantID     string
	Capabilities []string
}

// HasCapability reports whether the principal carries the capability.
func (p Principal) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, errors.New("no principal in context")
	}
	return p, nil
}

// TenantID returns the active tenant or an error if the context carries no
// principal. Store code must never default the tenant.
func TenantID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	if p.TenantID == "" {
		return "", errors.New("principal has no tenant binding")
	}
	return p.TenantID, nil
}

// MustTenantID panics if the tenant is missing. Use only behind middleware
// that guarantees it.
func MustTenantID(ctx context.Context) string {
	tid, err := TenantID(ctx)
	if err != nil {
		panic(err)
	}
	return tid
}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id, or "" if absent.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}
