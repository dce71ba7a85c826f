// Package database opens the control-plane Postgres pool and applies the
// idempotent schema at startup. Every table is tenant-keyed; stores query
// through tenancy.Scope so cross-tenant reads cannot be expressed.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PoolConfig tunes the sql.DB connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *PoolConfig) defaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

// Open connects to Postgres, verifies the connection and applies pool
// limits. The caller owns Close.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*sql.DB, error) {
	cfg.defaults()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return db, nil
}

// migrations are applied in order; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS capsules (
		tenant_id  TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		name       TEXT        NOT NULL,
		version    TEXT        NOT NULL,
		definition JSONB       NOT NULL,
		checksum   TEXT        NOT NULL,
		signature  TEXT        NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS capsules_ref
		ON capsules (tenant_id, name, version)`,

	`CREATE TABLE IF NOT EXISTS plans (
		tenant_id   TEXT        NOT NULL,
		plan_hash   TEXT        NOT NULL,
		capsule_ref TEXT        NOT NULL,
		doc         JSONB       NOT NULL,
		compiled_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, plan_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS runs (
		tenant_id  TEXT        NOT NULL,
		run_id     TEXT        NOT NULL,
		status     TEXT        NOT NULL,
		version    BIGINT      NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		doc        JSONB       NOT NULL,
		PRIMARY KEY (tenant_id, run_id)
	)`,
	`CREATE INDEX IF NOT EXISTS runs_by_created
		ON runs (tenant_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS idempotency_records (
		tenant_id   TEXT        NOT NULL,
		key         TEXT        NOT NULL,
		fingerprint TEXT        NOT NULL,
		status      TEXT        NOT NULL,
		run_id      TEXT        NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idempotency_by_expiry
		ON idempotency_records (expires_at)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		tenant_id        TEXT        NOT NULL,
		approval_id      TEXT        NOT NULL,
		run_id           TEXT        NOT NULL,
		clarification_id TEXT        NOT NULL,
		status           TEXT        NOT NULL,
		deadline         TIMESTAMPTZ NOT NULL,
		version          BIGINT      NOT NULL,
		doc              JSONB       NOT NULL,
		PRIMARY KEY (tenant_id, approval_id)
	)`,
	`CREATE INDEX IF NOT EXISTS approvals_by_clarification
		ON approvals (tenant_id, clarification_id)`,
	`CREATE INDEX IF NOT EXISTS approvals_open
		ON approvals (tenant_id, status, deadline)`,

	`CREATE TABLE IF NOT EXISTS receipts (
		tenant_id    TEXT        NOT NULL,
		receipt_id   TEXT        NOT NULL,
		run_id       TEXT        NOT NULL,
		content_hash TEXT        NOT NULL,
		prior_hash   TEXT        NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		doc          JSONB       NOT NULL,
		PRIMARY KEY (tenant_id, receipt_id)
	)`,
	`CREATE INDEX IF NOT EXISTS receipts_by_run
		ON receipts (tenant_id, run_id)`,

	`CREATE TABLE IF NOT EXISTS receipt_chain_heads (
		tenant_id TEXT NOT NULL PRIMARY KEY,
		head      TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		tenant_id      TEXT        NOT NULL,
		id             TEXT        NOT NULL,
		actor_id       TEXT        NOT NULL,
		type           TEXT        NOT NULL,
		action         TEXT        NOT NULL,
		resource       TEXT        NOT NULL,
		correlation_id TEXT        NOT NULL DEFAULT '',
		metadata       JSONB,
		created_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS audit_by_time
		ON audit_events (tenant_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS preflight_reports (
		tenant_id  TEXT        NOT NULL,
		report_id  TEXT        NOT NULL,
		run_id     TEXT        NOT NULL DEFAULT '',
		plan_hash  TEXT        NOT NULL,
		report     JSONB       NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, report_id)
	)`,
	`CREATE INDEX IF NOT EXISTS preflight_by_plan
		ON preflight_reports (tenant_id, plan_hash)`,
	`CREATE INDEX IF NOT EXISTS preflight_by_run
		ON preflight_reports (tenant_id, run_id)`,

	`CREATE TABLE IF NOT EXISTS replay_guard (
		jti        TEXT        NOT NULL PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema. Safe to run on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: migrate: %w", err)
		}
	}
	return nil
}
