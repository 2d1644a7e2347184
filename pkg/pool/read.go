package pool

import (
	"context"
	"fmt"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
)

func (l *Ledger) state(ctx context.Context) (State, error) {
	var st State
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		st, err = tx.State(ctx)
		return err
	})
	return st, err
}

// CustodyBalance returns the asset balance of the pool account.
func (l *Ledger) CustodyBalance(ctx context.Context) (int64, error) {
	bal, err := l.asset.BalanceOf(ctx, l.account)
	if err != nil {
		return 0, fmt.Errorf("custody balance: %w", err)
	}
	return bal, nil
}

// AvailableReserves returns max(0, custody balance - total active exposure).
func (l *Ledger) AvailableReserves(ctx context.Context) (int64, error) {
	st, err := l.state(ctx)
	if err != nil {
		return 0, err
	}
	bal, err := l.CustodyBalance(ctx)
	if err != nil {
		return 0, err
	}
	return available(bal, st.TotalActiveExposure), nil
}

func available(balance, exposure int64) int64 {
	if balance <= exposure {
		return 0
	}
	return balance - exposure
}

// Policy returns the policy with the given id.
func (l *Ledger) Policy(ctx context.Context, id uint64) (Policy, bool, error) {
	var (
		p  Policy
		ok bool
	)
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		p, ok, err = tx.Policy(ctx, id)
		return err
	})
	return p, ok, err
}

// Policies lists every policy ever written, ordered by id.
func (l *Ledger) Policies(ctx context.Context) ([]Policy, error) {
	var out []Policy
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Policies(ctx)
		return err
	})
	return out, err
}

// TotalActiveExposure returns the sum of limits over unsettled policies.
func (l *Ledger) TotalActiveExposure(ctx context.Context) (int64, error) {
	st, err := l.state(ctx)
	return st.TotalActiveExposure, err
}

// PaidThisYear returns the amount paid in the stored cap-year bucket.
func (l *Ledger) PaidThisYear(ctx context.Context) (int64, error) {
	st, err := l.state(ctx)
	return st.PaidThisYear, err
}

// CapYearIndex returns the stored cap-year bucket index.
func (l *Ledger) CapYearIndex(ctx context.Context) (int64, error) {
	st, err := l.state(ctx)
	return st.CapYearIndex, err
}

// Snapshot returns the pool state and custody figures in one read.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := l.store.View(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		policies, err := tx.Policies(ctx)
		if err != nil {
			return err
		}
		snap.State = st
		for _, p := range policies {
			if p.Active {
				snap.ActivePolicies++
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	bal, err := l.CustodyBalance(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Account = l.account
	snap.CustodyBalance = bal
	snap.AvailableReserves = available(bal, snap.TotalActiveExposure)
	return snap, nil
}

// Engine returns the payout engine the pool currently settles with.
func (l *Ledger) Engine(ctx context.Context) (*payout.Engine, error) {
	st, err := l.state(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := l.engine(st.EngineRef)
	if !ok {
		return nil, fault.New(fault.KindEngineNotConfigured, "engine", "no payout engine for reference %q", st.EngineRef)
	}
	return e, nil
}

// EngineInfo describes one registered payout engine.
type EngineInfo struct {
	Ref    string           `json:"ref"`
	Owner  access.Identity  `json:"owner"`
	Active bool             `json:"active"`
	Params payout.Params    `json:"params"`
	Wind   payout.TierTable `json:"wind"`
	Hail   payout.TierTable `json:"hail"`
}

// Engines lists the registered engines in reference order and marks the one the
// pool settles with.
func (l *Ledger) Engines(ctx context.Context) ([]EngineInfo, error) {
	st, err := l.state(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EngineInfo, 0)
	if l.engines == nil {
		return out, nil
	}
	for _, ref := range l.engines.Refs() {
		e, ok := l.engines.Lookup(ref)
		if !ok {
			continue
		}
		wind, hail := e.Tables()
		out = append(out, EngineInfo{
			Ref:    ref,
			Owner:  e.Owner(),
			Active: ref == st.EngineRef,
			Params: e.Params(),
			Wind:   wind,
			Hail:   hail,
		})
	}
	return out, nil
}

// Quote runs the current engine without touching the pool.
func (l *Ledger) Quote(ctx context.Context, a, b int64) (payout.Quote, error) {
	e, err := l.Engine(ctx)
	if err != nil {
		return payout.Quote{}, err
	}
	return e.Quote(a, b), nil
}
