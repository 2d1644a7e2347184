package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/journal"
	"github.com/paradigm-parametric/parametric-mvp/pkg/observability"
	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
	"github.com/paradigm-parametric/parametric-mvp/pkg/pool"
)

const maxBodyBytes = 1 << 20

// QuoteRequest carries the two measurements.
type QuoteRequest struct {
	Wind int64 `json:"wind"`
	Hail int64 `json:"hail"`
}

// PurchaseRequest buys a policy for the caller.
type PurchaseRequest struct {
	Premium   int64 `json:"premium"`
	Limit     int64 `json:"limit"`
	StartDate int64 `json:"start_date"`
	EndDate   int64 `json:"end_date"`
}

// PurchaseResponse is returned with 201.
type PurchaseResponse struct {
	PolicyID uint64      `json:"policy_id"`
	Policy   pool.Policy `json:"policy"`
}

// SettleRequest reports an event for a policy.
type SettleRequest struct {
	Wind      int64 `json:"wind"`
	Hail      int64 `json:"hail"`
	EventTime int64 `json:"event_time"`
}

// SettleResponse reports the amount transferred to the holder.
type SettleResponse struct {
	PolicyID uint64 `json:"policy_id"`
	Paid     int64  `json:"paid"`
}

// ReservesResponse is the custody view of the pool.
type ReservesResponse struct {
	Account             access.Identity `json:"account"`
	CustodyBalance      int64           `json:"custody_balance"`
	TotalActiveExposure int64           `json:"total_active_exposure"`
	AvailableReserves   int64           `json:"available_reserves"`
}

// AuditResponse is a slice of the journal and the chain status.
type AuditResponse struct {
	Entries []journal.Entry `json:"entries"`
	Head    string          `json:"head"`
	Length  int             `json:"length"`
	Valid   bool            `json:"valid"`
	Reason  string          `json:"reason"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			WriteBadRequest(w, r, "request body is required")
		} else {
			WriteBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		}
		return false
	}
	return true
}

func policyID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, r, "policy id must be a non-negative integer")
		return 0, false
	}
	return id, true
}

// caller is set by Authenticate on every route that uses it.
func caller(r *http.Request) access.Identity {
	id, _ := CallerFrom(r.Context())
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if _, err := s.ledger.Snapshot(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "version": s.version})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ledger.Snapshot(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReserves(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ledger.Snapshot(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReservesResponse{
		Account:             snap.Account,
		CustodyBalance:      snap.CustodyBalance,
		TotalActiveExposure: snap.TotalActiveExposure,
		AvailableReserves:   snap.AvailableReserves,
	})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.ledger.Policies(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	engines, err := s.ledger.Engines(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": engines})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	p, found, err := s.ledger.Policy(r.Context(), id)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if !found {
		WriteNotFound(w, r, fmt.Sprintf("policy %d does not exist", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := s.ledger.Quote(r.Context(), req.Wind, req.Hail)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	j := s.ledger.Journal()
	if j == nil {
		WriteNotFound(w, r, "audit journal is not enabled")
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteBadRequest(w, r, "since must be a non-negative integer")
			return
		}
		since = n
	}
	valid, reason := j.Verify()
	writeJSON(w, http.StatusOK, AuditResponse{
		Entries: j.Entries(since),
		Head:    j.Head(),
		Length:  j.Length(),
		Valid:   valid,
		Reason:  reason,
	})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.ledger.Purchase(r.Context(), caller(r), req.Premium, req.Limit, req.StartDate, req.EndDate)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "policy.purchased",
		observability.AttrPolicyID.Int64(int64(id)), observability.AttrCaller.String(string(caller(r))))

	p, _, err := s.ledger.Policy(r.Context(), id)
	if err != nil {
		// The purchase is committed; report it even if the read-back failed.
		s.logger.Warn("policy read-back failed", "policy_id", id, "error", err)
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/policies/%d", id))
	writeJSON(w, http.StatusCreated, PurchaseResponse{PolicyID: id, Policy: p})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := policyID(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	paid, err := s.ledger.Settle(r.Context(), caller(r), id, req.Wind, req.Hail, req.EventTime)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "policy.settled",
		observability.AttrPolicyID.Int64(int64(id)), observability.AttrCaller.String(string(caller(r))))
	writeJSON(w, http.StatusOK, SettleResponse{PolicyID: id, Paid: paid})
}

// handleLegacyPayout answers every call with LegacyPayoutDisabled. The body is read
// only to echo a policy id back; a missing or malformed one is not an error.
func (s *Server) handleLegacyPayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyID uint64 `json:"policy_id"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	_, err := s.ledger.LegacyPayout(r.Context(), caller(r), req.PolicyID)
	WriteFault(w, r, err)
}

func (s *Server) handleSetAnnualCap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AnnualCap int64 `json:"annual_cap"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.respond(w, r, s.ledger.SetAnnualCap(r.Context(), caller(r), req.AnnualCap))
}

func (s *Server) handleSetClaimWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int64 `json:"seconds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.respond(w, r, s.ledger.SetClaimWindow(r.Context(), caller(r), req.Seconds))
}

func (s *Server) handleSetEngine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.respond(w, r, s.ledger.SetEngine(r.Context(), caller(r), req.Ref))
}

func (s *Server) handleSetEngineParams(w http.ResponseWriter, r *http.Request) {
	var req payout.Params
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.ledger.SetEngineParams(r.Context(), caller(r), req); err != nil {
		WriteFault(w, r, err)
		return
	}
	e, err := s.ledger.Engine(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"engine": e.Ref(), "params": e.Params()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.ledger.Pause(r.Context(), caller(r)))
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.ledger.Unpause(r.Context(), caller(r)))
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Next access.Identity `json:"next"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	switch chi.URLParam(r, "role") {
	case "owner":
		err = s.ledger.ProposeOwner(r.Context(), caller(r), req.Next)
	case "operator":
		err = s.ledger.ProposeOperator(r.Context(), caller(r), req.Next)
	default:
		WriteNotFound(w, r, "unknown role")
		return
	}
	s.respond(w, r, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var err error
	switch chi.URLParam(r, "role") {
	case "owner":
		err = s.ledger.AcceptOwner(r.Context(), caller(r))
	case "operator":
		err = s.ledger.AcceptOperator(r.Context(), caller(r))
	default:
		WriteNotFound(w, r, "unknown role")
		return
	}
	s.respond(w, r, err)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		WriteBadRequest(w, r, "amount must be positive")
		return
	}
	if err := s.faucet(r.Context(), caller(r), req.Amount); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": caller(r), "minted": req.Amount})
}

// respond writes the pool snapshot after a successful admin change.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	snap, err := s.ledger.Snapshot(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
