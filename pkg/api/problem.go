// Package api is the HTTP surface of the pool: a chi router over pool.Ledger with
// JWT caller identification, per-client rate limiting, Idempotency-Key replay and
// RFC 7807 error bodies.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
)

const problemTypeBase = "https://parametric.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Pool extensions, set when the failure carries a fault.Kind.
	Kind           string  `json:"kind,omitempty"`
	Classification string  `json:"classification,omitempty"`
	PolicyID       *uint64 `json:"policy_id,omitempty"`
	Amount         *int64  `json:"amount,omitempty"`
	Timestamp      *int64  `json:"timestamp,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = middleware.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a plain RFC 7807 response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteFault maps err onto a problem response. Classified pool failures keep their
// kind and context; anything else is an opaque 500.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		WriteInternal(w, r, err)
		return
	}
	detail := fe.Error()
	if fe.Kind.Status() >= http.StatusInternalServerError {
		// keep storage errors out of the body
		slog.Error("server-side fault", "kind", fe.Kind, "error", err)
		detail = fe.Detail
	}
	writeProblem(w, r, &ProblemDetail{
		Type:           problemTypeBase + string(fe.Kind),
		Title:          fe.Kind.Title(),
		Status:         fe.Kind.Status(),
		Detail:         detail,
		Kind:           string(fe.Kind),
		Classification: fe.Kind.Classification(),
		PolicyID:       fe.PolicyID,
		Amount:         fe.Amount,
		Timestamp:      fe.Timestamp,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
