package tenancy

import (
	"context"
	"database/sql"
	"fmt"
)

// Scope wraps a *sql.DB and forces every query through the tenant
// predicate. Queries are written with the tenant as their first argument;
// Scope supplies it from the context, so a handler cannot accidentally read
// another tenant's rows.
type Scope struct {
	db *sql.DB
}

func NewScope(db *sql.DB) *Scope {
	return &Scope{db: db}
}

// DB exposes the underlying handle for migrations and tenant-free system
// tables (schema setup only).
func (s *Scope) DB() *sql.DB { return s.db }

// QueryContext runs a tenant-scoped query. The SQL text must reference the
// tenant as $1; remaining args shift by one.
func (s *Scope) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	tid, err := TenantID(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenant scope: %w", err)
	}
	return s.db.QueryContext(ctx, query, append([]any{tid}, args...)...)
}

// QueryRowContext runs a tenant-scoped single-row query.
func (s *Scope) QueryRowContext(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	tid, err := TenantID(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenant scope: %w", err)
	}
	return s.db.QueryRowContext(ctx, query, append([]any{tid}, args...)...), nil
}

// ExecContext runs a tenant-scoped statement.
func (s *Scope) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tid, err := TenantID(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenant scope: %w", err)
	}
	return s.db.ExecContext(ctx, query, append([]any{tid}, args...)...)
}
