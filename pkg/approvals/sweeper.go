package approvals

import (
	"context"
	"log/slog"
	"time"

	"github.com/anumate/control-plane/pkg/tenancy"
)

// TenantLister enumerates tenants that may hold open approvals. The
// sweeper visits each under that tenant's scope.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}

// Tenants implements TenantLister over the in-memory store.
func (s *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	return s.AllTenants(), nil
}

// Tenants lists tenant ids with open approvals. Runs outside the tenant
// scope; this is the one query that legitimately spans tenants.
func (s *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.scope.DB().QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM approvals
		WHERE status IN ('Pending', 'InProgress', 'Escalated')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		out = append(out, tid)
	}
	return out, rows.Err()
}

// Sweeper periodically expires or escalates approvals past their deadline.
type Sweeper struct {
	service  *Service
	tenants  TenantLister
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(service *Service, tenants TenantLister, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{service: service, tenants: tenants, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce visits every tenant with open approvals.
func (w *Sweeper) SweepOnce(ctx context.Context) {
	tenants, err := w.tenants.Tenants(ctx)
	if err != nil {
		w.logger.Warn("approval sweep tenant listing failed", "error", err)
		return
	}
	for _, tid := range tenants {
		scoped := tenancy.WithPrincipal(ctx, tenancy.Principal{ActorID: "sweeper", TenantID: tid})
		n, err := w.service.SweepExpired(scoped)
		if err != nil {
			w.logger.Warn("approval sweep failed", "tenant", tid, "error", err)
			continue
		}
		if n > 0 {
			w.logger.Info("approvals swept", "tenant", tid, "count", n)
		}
	}
}
