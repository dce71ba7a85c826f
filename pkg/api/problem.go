// Package api is the /v1 HTTP surface of the control plane. Handlers are
// thin: decode, delegate to a service, encode. Every error response is an
// RFC 7807 problem document carrying the request's correlation id.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// ProblemDetail is the RFC 7807 error body.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response enriched with the request's
// path and correlation id.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:          fmt.Sprintf("https://anumate.io/errors/%d", status),
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: tenancy.CorrelationID(r.Context()),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErr maps a service error onto the wire: one status per error kind,
// the stable code as the title. Internal causes are logged, never leaked.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)
	detail := err.Error()
	if kind == errs.KindInternal {
		slog.Error("internal error", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred."
	}
	if kind == errs.KindTransient {
		w.Header().Set("Retry-After", "5")
	}
	WriteProblem(w, r, status, errs.CodeOf(err), detail)
}

// WriteJSON writes a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, "BAD_REQUEST", detail)
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, "RATE_LIMITED",
		"Rate limit exceeded. Retry after the specified interval.")
}
