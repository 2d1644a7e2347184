// Package access implements the owner/operator role model and the pause flag that gate
// every mutating pool operation.
//
// Each role is held by exactly one identity and changes hands through a two-step
// handover: the holder nominates a successor, and only that successor may accept.
package access

import (
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
)

// Identity is the acting principal of a call (an account name, a JWT subject).
type Identity string

// Handover is a single-holder role with a pending successor slot.
type Handover struct {
	Holder  Identity `json:"holder"`
	Pending Identity `json:"pending,omitempty"`
}

// Require fails with Unauthorized unless caller holds the role.
func (h *Handover) Require(caller Identity, op string) error {
	if caller == "" || caller != h.Holder {
		return fault.New(fault.KindUnauthorized, op, "caller %q does not hold the role", caller)
	}
	return nil
}

// Propose nominates next as successor. Only the current holder may propose.
// Re-proposing overwrites the previous nominee.
func (h *Handover) Propose(caller, next Identity, op string) error {
	if err := h.Require(caller, op); err != nil {
		return err
	}
	if next == "" {
		return fault.New(fault.KindInvalidRole, op, "successor must not be empty")
	}
	h.Pending = next
	return nil
}

// Accept completes the handover. Only the nominee may accept.
func (h *Handover) Accept(caller Identity, op string) error {
	if h.Pending == "" || caller != h.Pending {
		return fault.New(fault.KindNotPendingRole, op, "caller %q is not the pending successor", caller)
	}
	h.Holder = caller
	h.Pending = ""
	return nil
}

// Roles is the owner/operator pair plus the pause flag.
type Roles struct {
	Owner    Handover `json:"owner"`
	Operator Handover `json:"operator"`
	Paused   bool     `json:"paused"`
}

// NewRoles returns roles held by the given identities, unpaused.
func NewRoles(owner, operator Identity) (Roles, error) {
	if owner == "" || operator == "" {
		return Roles{}, fault.New(fault.KindInvalidRole, "roles", "owner and operator must be set")
	}
	return Roles{
		Owner:    Handover{Holder: owner},
		Operator: Handover{Holder: operator},
	}, nil
}

// RequireOwner fails with Unauthorized unless caller is the owner.
func (r *Roles) RequireOwner(caller Identity, op string) error {
	return r.Owner.Require(caller, op)
}

// RequireOperator fails with Unauthorized unless caller is the operator.
func (r *Roles) RequireOperator(caller Identity, op string) error {
	return r.Operator.Require(caller, op)
}

// RequireActive fails with PoolPaused while the pause flag is set.
func (r *Roles) RequireActive(op string) error {
	if r.Paused {
		return fault.New(fault.KindPoolPaused, op, "pool is paused")
	}
	return nil
}

// SetPaused sets the pause flag. Owner only; idempotent.
func (r *Roles) SetPaused(caller Identity, paused bool) error {
	op := "unpause"
	if paused {
		op = "pause"
	}
	if err := r.RequireOwner(caller, op); err != nil {
		return err
	}
	r.Paused = paused
	return nil
}
