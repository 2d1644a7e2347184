package pool

import (
	"context"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
	"github.com/paradigm-parametric/parametric-mvp/pkg/journal"
	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
)

// mutate applies fn to the pool state inside one Update and journals the change once
// it has committed.
func (l *Ledger) mutate(ctx context.Context, op string, caller access.Identity, kind string, fn func(st *State) (map[string]any, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var data map[string]any
	err := l.store.Update(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if data, err = fn(&st); err != nil {
			return err
		}
		return tx.PutState(ctx, st)
	})
	if err != nil {
		l.reject(op, caller, err)
		return err
	}
	l.record(ctx, kind, caller, data)
	args := []any{"op", op, "caller", caller}
	for k, v := range data {
		args = append(args, k, v)
	}
	l.logger.Info("pool configuration changed", args...)
	return nil
}

// SetAnnualCap sets the maximum total paid per year bucket. 0 disables the cap.
func (l *Ledger) SetAnnualCap(ctx context.Context, caller access.Identity, annualCap int64) error {
	const op = "set_annual_cap"
	return l.mutate(ctx, op, caller, journal.KindAnnualCap, func(st *State) (map[string]any, error) {
		if err := st.Roles.RequireOwner(caller, op); err != nil {
			return nil, err
		}
		if annualCap < 0 {
			return nil, fault.New(fault.KindInvalidConfig, op, "annual cap must not be negative").WithAmount(annualCap)
		}
		prev := st.AnnualCap
		st.AnnualCap = annualCap
		return map[string]any{"annual_cap": annualCap, "prev": prev}, nil
	})
}

// SetClaimWindow sets how long after an event a claim may be settled, in seconds.
// 0 means no deadline.
func (l *Ledger) SetClaimWindow(ctx context.Context, caller access.Identity, seconds int64) error {
	const op = "set_claim_window"
	return l.mutate(ctx, op, caller, journal.KindClaimWindow, func(st *State) (map[string]any, error) {
		if err := st.Roles.RequireOwner(caller, op); err != nil {
			return nil, err
		}
		if seconds < 0 {
			return nil, fault.New(fault.KindInvalidConfig, op, "claim window must not be negative").WithTimestamp(seconds)
		}
		prev := st.ClaimWindow
		st.ClaimWindow = seconds
		return map[string]any{"claim_window": seconds, "prev": prev}, nil
	})
}

// SetEngine points the pool at a registered payout engine.
func (l *Ledger) SetEngine(ctx context.Context, caller access.Identity, ref string) error {
	const op = "set_engine"
	return l.mutate(ctx, op, caller, journal.KindEngine, func(st *State) (map[string]any, error) {
		if err := st.Roles.RequireOwner(caller, op); err != nil {
			return nil, err
		}
		if _, ok := l.engine(ref); !ok {
			return nil, fault.New(fault.KindInvalidConfig, op, "engine %q is not registered", ref)
		}
		prev := st.EngineRef
		st.EngineRef = ref
		return map[string]any{"engine": ref, "prev": prev}, nil
	})
}

// Pause halts purchases and settlements. Owner only.
func (l *Ledger) Pause(ctx context.Context, caller access.Identity) error {
	return l.mutate(ctx, "pause", caller, journal.KindPause, func(st *State) (map[string]any, error) {
		return map[string]any{}, st.Roles.SetPaused(caller, true)
	})
}

// Unpause resumes purchases and settlements. Owner only.
func (l *Ledger) Unpause(ctx context.Context, caller access.Identity) error {
	return l.mutate(ctx, "unpause", caller, journal.KindUnpause, func(st *State) (map[string]any, error) {
		return map[string]any{}, st.Roles.SetPaused(caller, false)
	})
}

// ProposeOwner nominates the next owner.
func (l *Ledger) ProposeOwner(ctx context.Context, caller, next access.Identity) error {
	const op = "propose_owner"
	return l.mutate(ctx, op, caller, journal.KindOwnerProposed, func(st *State) (map[string]any, error) {
		return map[string]any{"pending": string(next)}, st.Roles.Owner.Propose(caller, next, op)
	})
}

// AcceptOwner completes an owner handover. Only the nominee may call it.
func (l *Ledger) AcceptOwner(ctx context.Context, caller access.Identity) error {
	const op = "accept_owner"
	return l.mutate(ctx, op, caller, journal.KindOwnerAccepted, func(st *State) (map[string]any, error) {
		prev := st.Roles.Owner.Holder
		return map[string]any{"owner": string(caller), "prev": string(prev)}, st.Roles.Owner.Accept(caller, op)
	})
}

// ProposeOperator nominates the next operator. Only the current operator may propose.
func (l *Ledger) ProposeOperator(ctx context.Context, caller, next access.Identity) error {
	const op = "propose_operator"
	return l.mutate(ctx, op, caller, journal.KindOperatorProposed, func(st *State) (map[string]any, error) {
		return map[string]any{"pending": string(next)}, st.Roles.Operator.Propose(caller, next, op)
	})
}

// AcceptOperator completes an operator handover.
func (l *Ledger) AcceptOperator(ctx context.Context, caller access.Identity) error {
	const op = "accept_operator"
	return l.mutate(ctx, op, caller, journal.KindOperatorAccepted, func(st *State) (map[string]any, error) {
		prev := st.Roles.Operator.Holder
		return map[string]any{"operator": string(caller), "prev": string(prev)}, st.Roles.Operator.Accept(caller, op)
	})
}

// SetEngineParams updates scale, deductible and cap of the engine the pool currently
// uses. The caller must be that engine's configuration owner, not the pool owner.
func (l *Ledger) SetEngineParams(ctx context.Context, caller access.Identity, p payout.Params) error {
	const op = "set_engine_params"
	l.mu.Lock()
	defer l.mu.Unlock()

	engine, err := l.Engine(ctx)
	if err != nil {
		l.reject(op, caller, err)
		return err
	}
	prev := engine.Params()
	if err := engine.SetParams(caller, p); err != nil {
		l.reject(op, caller, err)
		return err
	}
	l.record(ctx, journal.KindEngineParams, caller, map[string]any{
		"engine":          engine.Ref(),
		"scale_wad":       p.ScaleWad.String(),
		"deductible":      p.Deductible,
		"cap":             p.Cap,
		"prev_scale_wad":  prev.ScaleWad.String(),
		"prev_deductible": prev.Deductible,
		"prev_cap":        prev.Cap,
	})
	return nil
}
