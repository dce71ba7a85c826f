package api

import (
	"net/http"

	"github.com/anumate/control-plane/pkg/ghostrun"
	"github.com/anumate/control-plane/pkg/orchestrator"
)

func (s *Server) handleGhostrunStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanHash string `json:"plan_hash"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.PlanHash == "" {
		writeBadRequest(w, r, "plan_hash is required")
		return
	}
	plan, err := s.plans.Resolve(r.Context(), req.PlanHash)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	runID, err := s.ghost.Start(r.Context(), plan)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(ghostrun.JobQueued),
	})
}

func (s *Server) handleGhostrunStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.ghost.Status(r.Context(), r.PathValue("run_id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleGhostrunReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.ghost.Report(r.Context(), r.PathValue("run_id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) handleGhostrunCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.ghost.Cancel(r.Context(), r.PathValue("run_id")); err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	run, err := s.orch.Execute(r.Context(), req)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	status := http.StatusAccepted
	if run.Status.Terminal() {
		// Idempotent replay of a finished run.
		status = http.StatusOK
	}
	WriteJSON(w, status, run)
}

func (s *Server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.orch.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleExecutionPause(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Pause(r.Context(), r.PathValue("run_id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleExecutionResume(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Resume(r.Context(), r.PathValue("run_id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Cancel(r.Context(), r.PathValue("run_id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, run)
}
