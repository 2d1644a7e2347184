package payout

import (
	"github.com/paradigm-parametric/parametric-mvp/pkg/fault"
)

// TierTable maps a measurement to a payout through ascending right-edge bins.
// Thresholds[i] pairs with Payouts[i]; the last bin is open-ended.
type TierTable struct {
	Thresholds []int64 `json:"thresholds" yaml:"thresholds"`
	Payouts    []int64 `json:"payouts" yaml:"payouts"`
}

// NewTierTable validates and copies the given bins.
func NewTierTable(name string, thresholds, payouts []int64) (TierTable, error) {
	if len(thresholds) == 0 {
		return TierTable{}, fault.New(fault.KindInvalidConfig, "tiers", "%s table is empty", name)
	}
	if len(thresholds) != len(payouts) {
		return TierTable{}, fault.New(fault.KindInvalidConfig, "tiers",
			"%s table has %d thresholds but %d payouts", name, len(thresholds), len(payouts))
	}
	for i := range thresholds {
		if i > 0 && thresholds[i] <= thresholds[i-1] {
			return TierTable{}, fault.New(fault.KindInvalidConfig, "tiers",
				"%s thresholds must be strictly increasing (index %d: %d after %d)", name, i, thresholds[i], thresholds[i-1])
		}
		if payouts[i] < 0 {
			return TierTable{}, fault.New(fault.KindInvalidConfig, "tiers", "%s payout %d is negative", name, i)
		}
	}
	return TierTable{
		Thresholds: append([]int64(nil), thresholds...),
		Payouts:    append([]int64(nil), payouts...),
	}, nil
}

// Lookup returns the payout of the first bin whose edge is >= m. Measurements above
// every edge fall into the last bin rather than paying zero.
func (t TierTable) Lookup(m int64) int64 {
	for i, edge := range t.Thresholds {
		if m <= edge {
			return t.Payouts[i]
		}
	}
	return t.Payouts[len(t.Payouts)-1]
}
