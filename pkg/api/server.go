package api

import (
	"log/slog"
	"net/http"

	"github.com/anumate/control-plane/pkg/approvals"
	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/capsule"
	"github.com/anumate/control-plane/pkg/captokens"
	"github.com/anumate/control-plane/pkg/ghostrun"
	"github.com/anumate/control-plane/pkg/orchestrator"
	"github.com/anumate/control-plane/pkg/plancompiler"
	"github.com/anumate/control-plane/pkg/receipts"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Server wires the /v1 handlers to their services.
type Server struct {
	logger    *slog.Logger
	registry  capsule.Registry
	compiler  *plancompiler.Compiler
	jobs      *plancompiler.JobRunner
	plans     orchestrator.PlanResolver
	ghost     *ghostrun.Runner
	orch      *orchestrator.Orchestrator
	tokens    *captokens.Service
	approvals *approvals.Service
	receipts  *receipts.Service
	audits    audit.Store
	limiter   *TenantRateLimiter
}

// Services carries the server's collaborators.
type Services struct {
	Registry  capsule.Registry
	Compiler  *plancompiler.Compiler
	Jobs      *plancompiler.JobRunner
	Plans     orchestrator.PlanResolver
	Ghost     *ghostrun.Runner
	Orch      *orchestrator.Orchestrator
	Tokens    *captokens.Service
	Approvals *approvals.Service
	Receipts  *receipts.Service
	Audits    audit.Store
}

func NewServer(svcs Services, limiter *TenantRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewTenantRateLimiter(50, 100)
	}
	return &Server{
		logger:    logger,
		registry:  svcs.Registry,
		compiler:  svcs.Compiler,
		jobs:      svcs.Jobs,
		plans:     svcs.Plans,
		ghost:     svcs.Ghost,
		orch:      svcs.Orch,
		tokens:    svcs.Tokens,
		approvals: svcs.Approvals,
		receipts:  svcs.Receipts,
		audits:    svcs.Audits,
		limiter:   limiter,
	}
}

// Routes registers the tenant-scoped /v1 surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/captokens", s.handleTokenIssue)
	mux.HandleFunc("POST /v1/captokens/verify", s.handleTokenVerify)
	mux.HandleFunc("POST /v1/captokens/refresh", s.handleTokenRefresh)
	mux.HandleFunc("POST /v1/captokens/revoke", s.handleTokenRevoke)

	mux.HandleFunc("POST /v1/capsules", s.handleCapsuleCreate)
	mux.HandleFunc("GET /v1/capsules", s.handleCapsuleList)
	mux.HandleFunc("GET /v1/capsules/{id}", s.handleCapsuleGet)
	mux.HandleFunc("DELETE /v1/capsules/{id}", s.handleCapsuleDelete)

	mux.HandleFunc("POST /v1/compile", s.handleCompile)
	mux.HandleFunc("POST /v1/compile/jobs", s.handleCompileJobSubmit)
	mux.HandleFunc("GET /v1/compile/jobs/{id}", s.handleCompileJobStatus)
	mux.HandleFunc("GET /v1/plans/{plan_hash}", s.handlePlanGet)

	mux.HandleFunc("POST /v1/ghostrun", s.handleGhostrunStart)
	mux.HandleFunc("GET /v1/ghostrun/{run_id}", s.handleGhostrunStatus)
	mux.HandleFunc("GET /v1/ghostrun/{run_id}/report", s.handleGhostrunReport)
	mux.HandleFunc("POST /v1/ghostrun/{run_id}/cancel", s.handleGhostrunCancel)

	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/executions", s.handleExecutionList)
	mux.HandleFunc("GET /v1/executions/{run_id}", s.handleExecutionGet)
	mux.HandleFunc("POST /v1/executions/{run_id}/pause", s.handleExecutionPause)
	mux.HandleFunc("POST /v1/executions/{run_id}/resume", s.handleExecutionResume)
	mux.HandleFunc("POST /v1/executions/{run_id}/cancel", s.handleExecutionCancel)

	mux.HandleFunc("POST /v1/approvals", s.handleApprovalCreate)
	mux.HandleFunc("GET /v1/approvals/{id}", s.handleApprovalGet)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", s.handleApprovalApprove)
	mux.HandleFunc("POST /v1/approvals/{id}/reject", s.handleApprovalReject)
	mux.HandleFunc("POST /v1/approvals/{id}/delegate", s.handleApprovalDelegate)

	mux.HandleFunc("POST /v1/receipts", s.handleReceiptCreate)
	mux.HandleFunc("GET /v1/receipts/audit", s.handleAuditExport)
	mux.HandleFunc("GET /v1/receipts/{id}", s.handleReceiptGet)
	mux.HandleFunc("POST /v1/receipts/{id}/verify", s.handleReceiptVerify)

	return mux
}

// Handler is the full stack: correlation, logging, tenant binding, rate
// limiting, then the /v1 routes. Correlation wraps logging so the access
// log line carries the request's correlation id. /health sits outside the
// tenant gate.
func (s *Server) Handler() http.Handler {
	outer := http.NewServeMux()
	outer.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	outer.Handle("/v1/", Chain(s.Routes(),
		WithCorrelation,
		WithLogging(s.logger),
		WithTenant,
		s.limiter.Middleware,
	))
	return outer
}
