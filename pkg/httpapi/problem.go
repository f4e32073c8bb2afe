// Package httpapi is the gateway's HTTP boundary: endpoint routing,
// RFC 7807 problem-detail error responses, auth/idempotency header
// extraction, request-id propagation, and rate limiting in front of
// the exchange pipeline.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 for every error response the
// gateway's API surface returns.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Code     string `json:"code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

const problemBaseURL = "https://signet-gw.local/errors/"

func titleFor(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Error"
}

// WriteProblem writes an RFC 7807 response carrying a gateway reason code.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	if len(detail) > 200 {
		detail = detail[:200]
	}
	p := &ProblemDetail{
		Type:     problemBaseURL + code,
		Title:    titleFor(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  GetRequestID(r.Context()),
		Code:     code,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteInternal logs err and writes an opaque 500, never leaking detail.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err, "path", r.URL.Path)
	WriteProblem(w, r, http.StatusInternalServerError, "INTERNAL", "An unexpected error occurred.")
}
