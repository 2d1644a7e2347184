// Package pool is the settlement ledger: it underwrites policies against the custody
// balance, tracks aggregate exposure, and pays claims computed by the configured payout
// engine, subject to the per-policy limit and the rolling annual cap.
//
// Every mutation runs inside one Store.Update, so purchases, settlements and admin
// changes on the same pool never interleave. Collaborator calls (premium pull, payout
// push) happen inside that critical section; a settlement whose payout transfer is
// refused leaves no trace. Journal entries are appended in commit order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/custody"
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
	"github.com/paradigm-parametric/parametric-mvp/pkg/journal"
	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
)

// Tracker wraps an operation in a span and RED metrics.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type nopTracker struct{}

func (nopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Ledger is one pool instance.
type Ledger struct {
	// mu spans a store commit and its journal append
	mu sync.Mutex

	store   Store
	asset   custody.Asset
	account access.Identity
	engines *payout.Registry
	journal *journal.Journal
	tracker Tracker
	clock   func() time.Time
	logger  *slog.Logger
}

// New creates a ledger over store. asset must be bound to account, the custody
// account that holds the pool's reserves.
func New(store Store, asset custody.Asset, account access.Identity, engines *payout.Registry) *Ledger {
	return &Ledger{
		store:   store,
		asset:   asset,
		account: account,
		engines: engines,
		journal: journal.New(),
		tracker: nopTracker{},
		clock:   time.Now,
		logger:  slog.Default().With("component", "pool", "account", string(account)),
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithJournal replaces the default in-memory journal.
func (l *Ledger) WithJournal(j *journal.Journal) *Ledger {
	l.journal = j
	return l
}

// WithTracker instruments Purchase and Settle.
func (l *Ledger) WithTracker(t Tracker) *Ledger {
	l.tracker = t
	return l
}

// Journal returns the audit journal.
func (l *Ledger) Journal() *journal.Journal { return l.journal }

func (l *Ledger) now() int64 { return l.clock().Unix() }

// Init seeds the pool state if the store holds none. It reports whether state was
// created; an already initialized pool is left untouched.
func (l *Ledger) Init(ctx context.Context, g Genesis) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	created := false
	err := l.store.Update(ctx, func(tx Tx) error {
		if _, err := tx.State(ctx); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotInitialized) {
			return err
		}
		roles, err := access.NewRoles(g.Owner, g.Operator)
		if err != nil {
			return err
		}
		if g.AnnualCap < 0 || g.ClaimWindow < 0 {
			return fault.New(fault.KindInvalidConfig, "init", "annual cap and claim window must not be negative")
		}
		if g.EngineRef != "" {
			if _, ok := l.engine(g.EngineRef); !ok {
				return fault.New(fault.KindInvalidConfig, "init", "engine %q is not registered", g.EngineRef)
			}
		}
		created = true
		return tx.PutState(ctx, State{
			AnnualCap:    g.AnnualCap,
			ClaimWindow:  g.ClaimWindow,
			CapYearIndex: yearIndex(l.now()),
			Roles:        roles,
			EngineRef:    g.EngineRef,
		})
	})
	if err != nil {
		return false, err
	}
	if created {
		l.record(ctx, journal.KindInitialized, g.Owner, map[string]any{
			"owner": string(g.Owner), "operator": string(g.Operator), "engine": g.EngineRef,
			"annual_cap": g.AnnualCap, "claim_window": g.ClaimWindow,
		})
		l.logger.Info("pool initialized", "owner", g.Owner, "operator", g.Operator, "engine", g.EngineRef)
	}
	return created, nil
}

// Purchase underwrites a policy for caller. The premium is pulled into the pool
// before the reserve check, so it counts toward the reserves backing the new policy.
// On any failure after the pull the premium is returned to the buyer.
func (l *Ledger) Purchase(ctx context.Context, caller access.Identity, premium, limit, start, end int64) (policyID uint64, err error) {
	const op = "purchase"
	ctx, done := l.tracker.TrackOperation(ctx, "pool.purchase", attribute.String("pool.caller", string(caller)))
	defer func() { done(err) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	pulled := false
	err = l.store.Update(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if err := st.Roles.RequireActive(op); err != nil {
			return err
		}
		now := l.now()
		if end <= start {
			return fault.New(fault.KindInvalidDates, op, "end %d is not after start %d", end, start).WithTimestamp(start)
		}
		if start < now {
			return fault.New(fault.KindPolicyStartInPast, op, "start %d is before now %d", start, now).WithTimestamp(start)
		}
		if premium <= 0 {
			return fault.New(fault.KindZeroPremium, op, "premium must be positive").WithAmount(premium)
		}
		if limit <= 0 {
			return fault.New(fault.KindZeroLimit, op, "limit must be positive").WithAmount(limit)
		}

		ok, err := l.asset.TransferFrom(ctx, caller, l.account, premium)
		if err != nil {
			return fmt.Errorf("%s: pull premium: %w", op, err)
		}
		if !ok {
			return fault.New(fault.KindTransferFailed, op, "premium transfer from %q refused", caller).WithAmount(premium)
		}
		pulled = true

		if st.TotalActiveExposure > math.MaxInt64-limit {
			return fault.New(fault.KindInsufficientReserves, op, "exposure %d + limit %d overflows", st.TotalActiveExposure, limit).WithAmount(limit)
		}
		projected := st.TotalActiveExposure + limit
		balance, err := l.asset.BalanceOf(ctx, l.account)
		if err != nil {
			return fmt.Errorf("%s: read custody balance: %w", op, err)
		}
		if balance < projected {
			return fault.New(fault.KindInsufficientReserves, op, "balance %d < projected exposure %d", balance, projected).WithAmount(limit)
		}

		policyID = st.NextPolicyID
		if err := tx.PutPolicy(ctx, Policy{
			ID:        policyID,
			Holder:    caller,
			StartDate: start,
			EndDate:   end,
			Limit:     limit,
			Premium:   premium,
			Active:    true,
		}); err != nil {
			return err
		}
		st.NextPolicyID++
		st.TotalActiveExposure = projected
		return tx.PutState(ctx, st)
	})
	if err != nil {
		if pulled {
			err = l.refund(ctx, caller, premium, err)
		}
		l.reject(op, caller, err)
		return 0, err
	}

	l.record(ctx, journal.KindPurchase, caller, map[string]any{
		"policy_id": policyID, "premium": premium, "limit": limit, "start": start, "end": end,
	})
	l.logger.Info("policy purchased", "policy_id", policyID, "holder", caller,
		"premium", premium, "limit", limit, "start", start, "end", end)
	return policyID, nil
}

// refund returns a pulled premium after a failed purchase. cause is the error that
// aborted the purchase; a failed refund is joined onto it.
func (l *Ledger) refund(ctx context.Context, to access.Identity, premium int64, cause error) error {
	ok, err := l.asset.Transfer(ctx, to, premium)
	if err == nil && ok {
		return cause
	}
	if err == nil {
		err = errors.New("transfer refused")
	}
	l.logger.Error("premium refund failed", "holder", to, "premium", premium, "cause", cause, "error", err)
	return errors.Join(cause, fmt.Errorf("refund premium %d to %q: %w", premium, to, err))
}

// Settle pays a claim on policyID for an event observed at eventTime with measurements
// a (wind) and b (hail). Operator only. Returns the amount paid.
func (l *Ledger) Settle(ctx context.Context, caller access.Identity, policyID uint64, a, b, eventTime int64) (paid int64, err error) {
	const op = "settle"
	ctx, done := l.tracker.TrackOperation(ctx, "pool.settle",
		attribute.String("pool.caller", string(caller)), attribute.Int64("pool.policy_id", int64(policyID)))
	defer func() { done(err) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		capErr   error
		rolled   bool
		quote    payout.Quote
		holder   access.Identity
		released int64
		yearIdx  int64
	)
	err = l.store.Update(ctx, func(tx Tx) error {
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		if err := st.Roles.RequireOperator(caller, op); err != nil {
			return err
		}
		if err := st.Roles.RequireActive(op); err != nil {
			return err
		}
		engine, ok := l.engine(st.EngineRef)
		if !ok {
			return fault.New(fault.KindEngineNotConfigured, op, "no payout engine for reference %q", st.EngineRef).WithPolicy(policyID)
		}
		policy, ok, err := tx.Policy(ctx, policyID)
		if err != nil {
			return err
		}
		if !ok || !policy.Active {
			return fault.New(fault.KindPolicyInactive, op, "policy is missing or already settled").WithPolicy(policyID)
		}

		now := l.now()
		if eventTime > now {
			return fault.New(fault.KindFutureEvent, op, "event at %d is after now %d", eventTime, now).
				WithPolicy(policyID).WithTimestamp(eventTime)
		}
		if !policy.Covers(eventTime) {
			return fault.New(fault.KindEventNotCovered, op, "event at %d outside [%d, %d]", eventTime, policy.StartDate, policy.EndDate).
				WithPolicy(policyID).WithTimestamp(eventTime)
		}
		if st.ClaimWindow > 0 && now-eventTime > st.ClaimWindow {
			return fault.New(fault.KindClaimWindowPassed, op, "event at %d filed at %d, window %ds", eventTime, now, st.ClaimWindow).
				WithPolicy(policyID).WithTimestamp(eventTime)
		}

		quote = engine.Quote(a, b)
		if quote.Net == 0 {
			return fault.New(fault.KindNoPayout, op, "measurements %d/%d pay nothing", a, b).WithPolicy(policyID)
		}
		net := quote.Net
		if net > policy.Limit {
			net = policy.Limit
		}

		yearIdx = yearIndex(now)
		if yearIdx != st.CapYearIndex {
			st.CapYearIndex = yearIdx
			st.PaidThisYear = 0
			rolled = true
		}
		if st.AnnualCap > 0 && net > st.AnnualCap-st.PaidThisYear {
			capErr = fault.New(fault.KindAnnualCapExceeded, op, "paid %d + %d > cap %d", st.PaidThisYear, net, st.AnnualCap).
				WithPolicy(policyID).WithAmount(net)
			if rolled {
				// the bucket roll stands even though the claim does not
				return tx.PutState(ctx, st)
			}
			return capErr
		}

		st.PaidThisYear += net
		st.TotalActiveExposure -= policy.Limit
		policy.Active = false
		policy.Paid = true
		if err := tx.PutPolicy(ctx, policy); err != nil {
			return err
		}
		if err := tx.PutState(ctx, st); err != nil {
			return err
		}

		ok, err = l.asset.Transfer(ctx, policy.Holder, net)
		if err != nil {
			return fmt.Errorf("%s: push payout: %w", op, err)
		}
		if !ok {
			return fault.New(fault.KindPayoutTransferFailed, op, "payout transfer to %q refused", policy.Holder).
				WithPolicy(policyID).WithAmount(net)
		}
		paid = net
		holder = policy.Holder
		released = policy.Limit
		return nil
	})

	if err != nil && paid > 0 {
		// the payout left custody but the commit did not land
		l.logger.Error("settlement commit failed after payout", "policy_id", policyID, "net", paid, "error", err)
		var recErr error
		if rolled, recErr = l.reconcile(ctx, policyID, paid); recErr != nil {
			err = fault.New(fault.KindSettlementUnrecorded, op, "payout of %d to %q left custody but the settlement is not recorded", paid, holder).
				WithPolicy(policyID).WithAmount(paid).Wrap(errors.Join(err, recErr))
			l.logger.Error("settlement unrecorded", "policy_id", policyID, "holder", holder, "net", paid, "error", err)
			l.reject(op, caller, err)
			return 0, err
		}
		l.logger.Warn("settlement recorded on second attempt", "policy_id", policyID, "net", paid)
		err = nil
		yearIdx = yearIndex(l.now())
	}
	if err == nil && rolled {
		l.record(ctx, journal.KindCapYearRolled, caller, map[string]any{"year_index": yearIdx})
	}
	if err == nil && capErr != nil {
		err = capErr
	}
	if err != nil {
		l.reject(op, caller, err)
		return 0, err
	}

	l.record(ctx, journal.KindSettlement, caller, map[string]any{
		"policy_id": policyID, "holder": string(holder), "wind": a, "hail": b, "event_time": eventTime,
		"tier_wind": quote.TierWind, "tier_hail": quote.TierHail, "raw": quote.Raw,
		"scaled": quote.Scaled, "net": quote.Net, "paid": paid, "released": released,
	})
	l.logger.Info("policy settled", "policy_id", policyID, "holder", holder, "paid", paid,
		"quoted", quote.Net, "released_exposure", released)
	return paid, nil
}

// reconcile records a settlement whose payout was already pushed but whose commit
// failed. It runs once, in a fresh transaction, and skips the cap check. A policy
// already marked paid means the first commit landed after all.
func (l *Ledger) reconcile(ctx context.Context, policyID uint64, net int64) (rolled bool, err error) {
	err = l.store.Update(ctx, func(tx Tx) error {
		rolled = false
		st, err := tx.State(ctx)
		if err != nil {
			return err
		}
		policy, ok, err := tx.Policy(ctx, policyID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("policy %d not found", policyID)
		}
		if policy.Paid {
			return nil
		}
		if y := yearIndex(l.now()); y != st.CapYearIndex {
			st.CapYearIndex = y
			st.PaidThisYear = 0
			rolled = true
		}
		st.PaidThisYear += net
		st.TotalActiveExposure -= policy.Limit
		policy.Active = false
		policy.Paid = true
		if err := tx.PutPolicy(ctx, policy); err != nil {
			return err
		}
		return tx.PutState(ctx, st)
	})
	return rolled, err
}

// LegacyPayout is the retired single-policy payout path. It always fails.
func (l *Ledger) LegacyPayout(_ context.Context, caller access.Identity, policyID uint64) (int64, error) {
	err := fault.New(fault.KindLegacyPayoutDisabled, "legacy_payout", "use settle").WithPolicy(policyID)
	l.reject("legacy_payout", caller, err)
	return 0, err
}

func (l *Ledger) engine(ref string) (*payout.Engine, bool) {
	if ref == "" || l.engines == nil {
		return nil, false
	}
	return l.engines.Lookup(ref)
}

func (l *Ledger) record(ctx context.Context, kind string, actor access.Identity, data map[string]any) {
	if l.journal == nil {
		return
	}
	if _, err := l.journal.Append(ctx, kind, string(actor), data); err != nil {
		l.logger.Error("journal append failed", "kind", kind, "error", err)
	}
}

func (l *Ledger) reject(op string, caller access.Identity, err error) {
	kind, _ := fault.KindOf(err)
	l.logger.Warn("operation rejected", "op", op, "caller", caller, "kind", kind, "error", err)
}
