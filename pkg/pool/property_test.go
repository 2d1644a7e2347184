//go:build property
// +build property

package pool

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: after any mix of purchases and settlements, exposure equals the sum of
// limits over active policies and never exceeds what custody held when each policy
// was written.
func TestExposureMatchesActiveLimits(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("exposure is the sum of active limits", prop.ForAll(
		func(limits []int64, settleMask []bool) bool {
			f := newFixture(t, 20_000)
			for _, limit := range limits {
				start := f.unix() + 10
				// rejections (reserves) are fine; they must simply leave no trace
				_, _ = f.ledger.Purchase(f.ctx, alice, 1, limit, start, start+1_000)
			}
			f.advance(100)
			policies, err := f.ledger.Policies(f.ctx)
			if err != nil {
				return false
			}
			for i, p := range policies {
				if i < len(settleMask) && settleMask[i] {
					if _, err := f.ledger.Settle(f.ctx, operator, p.ID, 999, 60, f.unix()); err != nil {
						return false
					}
				}
			}

			snap, err := f.ledger.Snapshot(f.ctx)
			if err != nil {
				return false
			}
			policies, err = f.ledger.Policies(f.ctx)
			if err != nil {
				return false
			}
			var active int64
			for _, p := range policies {
				if p.Active == p.Paid {
					return false
				}
				if p.Active {
					active += p.Limit
				}
			}
			return active == snap.TotalActiveExposure &&
				snap.NextPolicyID == uint64(len(policies))
		},
		gen.SliceOfN(8, gen.Int64Range(1, 6_000)),
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}
