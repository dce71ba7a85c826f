package api

import (
	"net/http"
	"time"

	"github.com/anumate/control-plane/pkg/approvals"
	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/receipts"
	"github.com/anumate/control-plane/pkg/tenancy"
)

func (s *Server) handleApprovalCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID           string           `json:"run_id"`
		ClarificationID string           `json:"clarification_id"`
		Question        string           `json:"question"`
		Approvers       []string         `json:"approvers"`
		Quorum          approvals.Quorum `json:"quorum"`
		TimeoutSeconds  int              `json:"timeout_seconds"`
		EscalateTo      []string         `json:"escalate_to"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RunID == "" {
		writeBadRequest(w, r, "run_id is required")
		return
	}
	principal, _ := tenancy.GetPrincipal(r.Context())
	approval, err := s.approvals.Create(r.Context(), req.RunID, approvals.Clarification{
		ID:             req.ClarificationID,
		Question:       req.Question,
		Requester:      principal.ActorID,
		Approvers:      req.Approvers,
		Quorum:         req.Quorum,
		TimeoutSeconds: req.TimeoutSeconds,
		EscalateTo:     req.EscalateTo,
	})
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	approval, err := s.approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, approval)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, decision approvals.Decision) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Actor == "" {
		writeBadRequest(w, r, "actor is required")
		return
	}
	approval, err := s.approvals.Decide(r.Context(), r.PathValue("id"), decision, req.Actor, req.Reason)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, approval)
}

func (s *Server) handleApprovalApprove(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, approvals.DecisionApprove)
}

func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, approvals.DecisionReject)
}

func (s *Server) handleApprovalDelegate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeBadRequest(w, r, "from and to are required")
		return
	}
	approval, err := s.approvals.Delegate(r.Context(), r.PathValue("id"), req.From, req.To, req.Reason)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, approval)
}

func (s *Server) handleReceiptCreate(w http.ResponseWriter, r *http.Request) {
	var payload receipts.Payload
	if !decode(w, r, &payload) {
		return
	}
	receipt, err := s.receipts.Create(r.Context(), payload)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleReceiptGet(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.receipts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleReceiptVerify(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.receipts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	result := s.receipts.Verify(r.Context(), receipt, s.receipts.PublicKey())
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		WriteProblem(w, r, http.StatusNotImplemented, "AUDIT_EXPORT_DISABLED",
			"no queryable audit store is configured")
		return
	}
	filter := audit.Filter{
		Action: r.URL.Query().Get("action"),
		Type:   audit.EventType(r.URL.Query().Get("type")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}
	events, err := s.audits.Export(r.Context(), filter)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}
