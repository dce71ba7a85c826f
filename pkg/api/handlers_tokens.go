package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// decode reads a bounded JSON body into dst, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, r, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject      string   `json:"subject"`
		Capabilities []string `json:"capabilities"`
		TTLSecs      int      `json:"ttl_secs"`
	}
	if !decode(w, r, &req) {
		return
	}
	tid := tenancy.MustTenantID(r.Context())
	token, err := s.tokens.Issue(r.Context(), req.Subject, req.Capabilities,
		time.Duration(req.TTLSecs)*time.Second, tid)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, token)
}

func (s *Server) handleTokenVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	claims, err := s.tokens.Verify(r.Context(), req.Token, tenancy.MustTenantID(r.Context()))
	if err != nil {
		// Expired tokens are Gone, not merely unauthorized.
		if errs.CodeOf(err) == "TOKEN_EXPIRED" {
			WriteProblem(w, r, http.StatusGone, "TOKEN_EXPIRED", "token has expired")
			return
		}
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "claims": claims})
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token   string `json:"token"`
		TTLSecs int    `json:"new_ttl_secs"`
	}
	if !decode(w, r, &req) {
		return
	}
	token, err := s.tokens.Refresh(r.Context(), req.Token, time.Duration(req.TTLSecs)*time.Second)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, token)
}

func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID string `json:"token_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.tokens.Revoke(r.Context(), req.TokenID, tenancy.MustTenantID(r.Context())); err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
