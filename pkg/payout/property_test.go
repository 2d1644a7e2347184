//go:build property
// +build property

package payout_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/paradigm-parametric/parametric-mvp/pkg/payout"
)

func propertyEngine(t *testing.T, scale int64, deductible, limit int64) *payout.Engine {
	wind, _ := payout.NewTierTable("wind", []int64{40, 80, 200}, []int64{0, 300, 900})
	hail, _ := payout.NewTierTable("hail", []int64{10, 25, 50}, []int64{0, 200, 800})
	e, err := payout.NewEngine("storm@1.0.0", "owner", wind, hail, payout.Params{
		ScaleWad:   decimal.NewFromInt(scale).Mul(decimal.New(1, 16)),
		Deductible: deductible,
		Cap:        limit,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// Property: 0 <= net <= scaled, and net <= cap when a cap is set.
func TestQuoteBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("net payout stays within scaled amount and cap", prop.ForAll(
		func(wind, hail, scale, deductible, limit int64) bool {
			q := propertyEngine(t, scale, deductible, limit).Quote(wind, hail)
			if q.Net < 0 || q.Net > q.Scaled {
				return false
			}
			if limit > 0 && q.Net > limit {
				return false
			}
			if q.Scaled <= deductible && q.Net != 0 {
				return false
			}
			return q.Raw == q.TierWind+q.TierHail
		},
		gen.Int64Range(-100, 1000),
		gen.Int64Range(-100, 1000),
		gen.Int64Range(0, 1000), // hundredths of 1x
		gen.Int64Range(0, 5000),
		gen.Int64Range(0, 5000),
	))

	properties.TestingRun(t)
}

// Property: the tier payout never decreases as the measurement grows.
func TestTierLookupMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	table, err := payout.NewTierTable("wind", []int64{40, 80, 200}, []int64{0, 300, 900})
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("lookup is monotonic for ascending payouts", prop.ForAll(
		func(m, delta int64) bool {
			return table.Lookup(m) <= table.Lookup(m+delta)
		},
		gen.Int64Range(-1000, 1000),
		gen.Int64Range(0, 1000),
	))

	properties.TestingRun(t)
}
