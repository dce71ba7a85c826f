package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/anumate/control-plane/pkg/capsule"
	"github.com/anumate/control-plane/pkg/plancompiler"
)

func (s *Server) handleCapsuleCreate(w http.ResponseWriter, r *http.Request) {
	var caps *capsule.Capsule
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeBadRequest(w, r, "unreadable request body")
			return
		}
		caps, err = capsule.ParseYAML(body)
		if err != nil {
			WriteErr(w, r, err)
			return
		}
	} else {
		caps = &capsule.Capsule{}
		if !decode(w, r, caps) {
			return
		}
	}

	created, err := s.registry.Create(r.Context(), caps)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCapsuleGet(w http.ResponseWriter, r *http.Request) {
	caps, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, caps)
}

func (s *Server) handleCapsuleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	list, err := s.registry.List(r.Context(), limit, offset)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"capsules": list})
}

func (s *Server) handleCapsuleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	caps := &capsule.Capsule{}
	if !decode(w, r, caps) {
		return
	}
	result, err := s.compiler.Compile(r.Context(), caps)
	if err != nil {
		if result != nil && len(result.ValidationErrors) > 0 {
			WriteProblem(w, r, http.StatusBadRequest, "CAPSULE_INVALID",
				strings.Join(result.ValidationErrors, "; "))
			return
		}
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompileJobSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		WriteProblem(w, r, http.StatusNotImplemented, "COMPILE_JOBS_DISABLED",
			"no compile job runner is configured")
		return
	}
	caps := &capsule.Capsule{}
	if !decode(w, r, caps) {
		return
	}
	jobID, err := s.jobs.Submit(r.Context(), caps)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"status": plancompiler.JobQueued,
	})
}

func (s *Server) handleCompileJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		WriteProblem(w, r, http.StatusNotImplemented, "COMPILE_JOBS_DISABLED",
			"no compile job runner is configured")
		return
	}
	job, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	plan, err := s.plans.Resolve(r.Context(), r.PathValue("plan_hash"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, plan)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
