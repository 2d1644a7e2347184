package pool

import (
	"errors"

	"github.com/paradigm-parametric/parametric-mvp/pkg/access"
)

// YearLength is the width of one annual-cap bucket in seconds. Buckets are fixed
// 365-day windows counted from the unix epoch, not calendar years.
const YearLength int64 = 365 * 24 * 60 * 60

// ErrNotInitialized is returned by a store that holds no pool state yet.
var ErrNotInitialized = errors.New("pool state not initialized")

var errReadOnly = errors.New("write in read-only transaction")

// Policy is one underwritten contract. Holder and the coverage terms never change
// after purchase; only (Active, Paid) flips, once, at settlement.
type Policy struct {
	ID        uint64          `json:"id"`
	Holder    access.Identity `json:"holder"`
	StartDate int64           `json:"start_date"`
	EndDate   int64           `json:"end_date"`
	Limit     int64           `json:"limit"`
	Premium   int64           `json:"premium"`
	Active    bool            `json:"active"`
	Paid      bool            `json:"paid"`
}

// Covers reports whether t falls inside the policy period, both ends inclusive.
func (p Policy) Covers(t int64) bool {
	return t >= p.StartDate && t <= p.EndDate
}

// State is the pool-wide scalar state persisted alongside the policy table.
type State struct {
	NextPolicyID        uint64       `json:"next_policy_id"`
	TotalActiveExposure int64        `json:"total_active_exposure"`
	AnnualCap           int64        `json:"annual_cap"`
	PaidThisYear        int64        `json:"paid_this_year"`
	CapYearIndex        int64        `json:"cap_year_index"`
	ClaimWindow         int64        `json:"claim_window"`
	Roles               access.Roles `json:"roles"`
	EngineRef           string       `json:"engine_ref"`
}

// Genesis seeds a fresh pool.
type Genesis struct {
	Owner       access.Identity
	Operator    access.Identity
	EngineRef   string
	AnnualCap   int64
	ClaimWindow int64
}

// Snapshot is a consistent read of the pool state plus the custody-derived figures.
type Snapshot struct {
	State
	Account           access.Identity `json:"account"`
	CustodyBalance    int64           `json:"custody_balance"`
	AvailableReserves int64           `json:"available_reserves"`
	ActivePolicies    int             `json:"active_policies"`
}

// yearIndex returns the annual-cap bucket containing t.
func yearIndex(t int64) int64 {
	return t / YearLength
}
