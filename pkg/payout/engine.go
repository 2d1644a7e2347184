// Package payout is the tiered payout calculator and its product configuration.
//
// An Engine holds two immutable tier tables (wind, hail) and three mutable parameters:
// a fixed-point scale factor with an implicit 10^18 denominator, a deductible, and an
// optional per-event cap. Quote is a pure function of those and the two measurements.
package payout

import (
	"log/slog"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
)

// Wad is the fixed-point denominator of Params.ScaleWad.
var Wad = decimal.New(1, 18)

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// Params are the adjustable parts of a product.
type Params struct {
	ScaleWad   decimal.Decimal `json:"scale_wad"`
	Deductible int64           `json:"deductible"`
	Cap        int64           `json:"cap"` // 0 disables the per-event cap
}

// Validate rejects parameters the formula cannot use.
func (p Params) Validate() error {
	if p.ScaleWad.IsNegative() || !p.ScaleWad.Equal(p.ScaleWad.Truncate(0)) {
		return fault.New(fault.KindInvalidConfig, "params", "scale %s must be a non-negative integer wad", p.ScaleWad)
	}
	if p.Deductible < 0 {
		return fault.New(fault.KindInvalidConfig, "params", "deductible %d is negative", p.Deductible)
	}
	if p.Cap < 0 {
		return fault.New(fault.KindInvalidConfig, "params", "cap %d is negative", p.Cap)
	}
	return nil
}

// Quote is the full breakdown of one payout computation.
type Quote struct {
	TierWind int64 `json:"tier_wind"`
	TierHail int64 `json:"tier_hail"`
	Raw      int64 `json:"raw"`
	Scaled   int64 `json:"scaled"`
	Net      int64 `json:"net"`
}

// Engine is a configured payout calculator.
type Engine struct {
	ref   string
	owner access.Identity
	wind  TierTable
	hail  TierTable

	mu     sync.RWMutex
	params Params
	logger *slog.Logger
}

// NewEngine builds an engine. ref identifies it to the pool (e.g. "storm@1.2.0") and
// owner is the only identity allowed to change its parameters.
func NewEngine(ref string, owner access.Identity, wind, hail TierTable, params Params) (*Engine, error) {
	if ref == "" {
		return nil, fault.New(fault.KindInvalidConfig, "engine", "reference must be set")
	}
	if owner == "" {
		return nil, fault.New(fault.KindInvalidConfig, "engine", "configuration owner must be set")
	}
	// re-validate so hand-built tables get the same checks as NewTierTable
	var err error
	if wind, err = NewTierTable("wind", wind.Thresholds, wind.Payouts); err != nil {
		return nil, err
	}
	if hail, err = NewTierTable("hail", hail.Thresholds, hail.Payouts); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		ref:    ref,
		owner:  owner,
		wind:   wind,
		hail:   hail,
		params: params,
		logger: slog.Default().With("component", "payout", "engine", ref),
	}, nil
}

// Ref returns the engine reference.
func (e *Engine) Ref() string { return e.ref }

// Owner returns the configuration owner.
func (e *Engine) Owner() access.Identity { return e.owner }

// Tables returns copies of the wind and hail tables.
func (e *Engine) Tables() (wind, hail TierTable) {
	wind = TierTable{Thresholds: append([]int64(nil), e.wind.Thresholds...), Payouts: append([]int64(nil), e.wind.Payouts...)}
	hail = TierTable{Thresholds: append([]int64(nil), e.hail.Thresholds...), Payouts: append([]int64(nil), e.hail.Payouts...)}
	return wind, hail
}

// Params returns the current parameters.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetParams replaces scale, deductible and cap. Tables cannot be changed.
func (e *Engine) SetParams(caller access.Identity, p Params) error {
	if caller == "" || caller != e.owner {
		return fault.New(fault.KindUnauthorized, "set_params", "caller %q is not the configuration owner", caller)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.params
	e.params = p
	e.mu.Unlock()

	e.logger.Info("params updated",
		"scale_wad", p.ScaleWad.String(), "deductible", p.Deductible, "cap", p.Cap,
		"prev_scale_wad", prev.ScaleWad.String(), "prev_deductible", prev.Deductible, "prev_cap", prev.Cap)
	return nil
}

// Quote computes the payout for a wind and a hail measurement.
func (e *Engine) Quote(wind, hail int64) Quote {
	p := e.Params()

	q := Quote{
		TierWind: e.wind.Lookup(wind),
		TierHail: e.hail.Lookup(hail),
	}
	q.Raw = saturatingAdd(q.TierWind, q.TierHail)
	q.Scaled = scale(q.Raw, p.ScaleWad)

	if q.Scaled > p.Deductible {
		q.Net = q.Scaled - p.Deductible
	}
	if p.Cap > 0 && q.Net > p.Cap {
		q.Net = p.Cap
	}
	return q
}

// scale returns floor(raw * scaleWad / 1e18), saturating at MaxInt64.
func scale(raw int64, scaleWad decimal.Decimal) int64 {
	product := decimal.NewFromInt(raw).Mul(scaleWad)
	quo, _ := product.QuoRem(Wad, 0)
	if quo.GreaterThan(maxAmount) {
		return math.MaxInt64
	}
	return quo.IntPart()
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
