package policy

import (
	"errors"
	"fmt"
	"log/slog"
)

// Fallbacks applied when a lookup finds no matching band (misconfigured
// table). Resolution never fails into caller business flow; it logs and
// returns these conservative defaults instead.
const (
	DefaultCommissionBps  = 300
	DefaultSuspensionDays = 0
)

// PermanentSuspension is the sentinel day count meaning "never reinstate".
const PermanentSuspension = -1

// ErrInvalidTable is returned by Replace when a proposed table does not
// form non-overlapping bands covering the whole [0, 5] rating range.
var ErrInvalidTable = errors.New("invalid policy table")

// CommissionBand maps a rating range to a commission rate in basis points.
// Bands are ordered from the highest rating range down; a boundary rating
// belongs to the higher-rating band (inclusive lower bound).
type CommissionBand struct {
	MinRating float64 `json:"min_rating"`
	MaxRating float64 `json:"max_rating"`
	RateBps   int     `json:"rate_bps"`
}

// SuspensionBand maps a rating range to a suspension duration in days.
// Bands are ordered from the lowest rating range up; a rating matches the
// first band whose MaxRating it does not exceed (inclusive upper bound).
type SuspensionBand struct {
	MinRating float64 `json:"min_rating"`
	MaxRating float64 `json:"max_rating"`
	Days      int     `json:"days"`
}

// CancellationPolicy holds the free-cancellation allowances and the fee
// rate applied once either allowance is exceeded.
type CancellationPolicy struct {
	MaxFreeCancellationHours  float64 `json:"max_free_cancellation_hours"`
	MaxDailyFreeCancellations int     `json:"max_daily_free_cancellations"`
	FeeRateBps                int     `json:"fee_rate_bps"`
}

// Snapshot is one immutable version of all policy tables. Fee computations
// record the snapshot version they used so historical transactions stay
// explainable after the tables change.
type Snapshot struct {
	Version      int                `json:"version"`
	Commission   []CommissionBand   `json:"commission"`
	Suspension   []SuspensionBand   `json:"suspension"`
	Cancellation CancellationPolicy `json:"cancellation"`
}

// Provider supplies the current policy snapshot to fee computations.
type Provider interface {
	Current() *Snapshot
}

// DefaultSnapshot returns the built-in tables used until an operator
// replaces them.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Version: 1,
		Commission: []CommissionBand{
			{MinRating: 4.5, MaxRating: 5.0, RateBps: 0},
			{MinRating: 4.0, MaxRating: 4.5, RateBps: 300},
			{MinRating: 0.0, MaxRating: 4.0, RateBps: 500},
		},
		Suspension: []SuspensionBand{
			{MinRating: 0.0, MaxRating: 1.0, Days: PermanentSuspension},
			{MinRating: 1.0, MaxRating: 2.0, Days: 7},
			{MinRating: 2.0, MaxRating: 3.0, Days: 3},
			{MinRating: 3.0, MaxRating: 5.0, Days: 0},
		},
		Cancellation: CancellationPolicy{
			MaxFreeCancellationHours:  24,
			MaxDailyFreeCancellations: 3,
			FeeRateBps:                1000,
		},
	}
}

// CommissionBps resolves the commission rate for a rating. Bands are
// scanned from the top rating range down and a boundary value matches the
// higher band first, so 4.5 resolves to the [4.5, 5.0] band.
func (s *Snapshot) CommissionBps(rating float64) int {
	for _, b := range s.Commission {
		if rating >= b.MinRating && rating <= b.MaxRating {
			return b.RateBps
		}
	}
	slog.Warn("commission table has no band for rating, using default",
		"rating", rating, "policy_version", s.Version, "default_bps", DefaultCommissionBps)
	return DefaultCommissionBps
}

// SuspensionDays resolves the suspension duration for a rating. Bands are
// scanned from the bottom rating range up; a value on a boundary matches
// the lower band (inclusive upper bound), so 1.0 resolves to [0.0, 1.0].
func (s *Snapshot) SuspensionDays(rating float64) int {
	for _, b := range s.Suspension {
		if rating <= b.MaxRating {
			return b.Days
		}
	}
	slog.Warn("suspension table has no band for rating, using default",
		"rating", rating, "policy_version", s.Version, "default_days", DefaultSuspensionDays)
	return DefaultSuspensionDays
}

// Fee computes amount scaled by a basis-point rate, rounded half-up to the
// nearest minor unit. Inputs are non-negative.
func Fee(amount int64, bps int) int64 {
	return (amount*int64(bps) + 5000) / 10000
}

// validateBands checks that min/max pairs are sane, adjacent, and cover
// [0, 5] with no gaps or overlaps. Bands must be supplied sorted in the
// table's canonical order (commission high-to-low, suspension low-to-high).
func validateBands(mins, maxs []float64) error {
	if len(mins) == 0 {
		return fmt.Errorf("%w: empty table", ErrInvalidTable)
	}
	for i := range mins {
		if mins[i] < 0 || maxs[i] > 5 || mins[i] >= maxs[i] {
			return fmt.Errorf("%w: band %d has range [%v, %v]", ErrInvalidTable, i, mins[i], maxs[i])
		}
		if i > 0 && mins[i-1] != maxs[i] && maxs[i-1] != mins[i] {
			return fmt.Errorf("%w: band %d is not adjacent to band %d", ErrInvalidTable, i, i-1)
		}
	}
	lo, hi := mins[0], maxs[0]
	for i := 1; i < len(mins); i++ {
		if mins[i] < lo {
			lo = mins[i]
		}
		if maxs[i] > hi {
			hi = maxs[i]
		}
	}
	if lo != 0 || hi != 5 {
		return fmt.Errorf("%w: bands cover [%v, %v], want [0, 5]", ErrInvalidTable, lo, hi)
	}
	return nil
}

// Validate checks the whole snapshot before it can become current.
func (s *Snapshot) Validate() error {
	mins := make([]float64, len(s.Commission))
	maxs := make([]float64, len(s.Commission))
	for i, b := range s.Commission {
		mins[i], maxs[i] = b.MinRating, b.MaxRating
		if b.RateBps < 0 || b.RateBps > 10000 {
			return fmt.Errorf("%w: commission band %d rate %d bps", ErrInvalidTable, i, b.RateBps)
		}
	}
	if err := validateBands(mins, maxs); err != nil {
		return fmt.Errorf("commission: %w", err)
	}
	mins = make([]float64, len(s.Suspension))
	maxs = make([]float64, len(s.Suspension))
	for i, b := range s.Suspension {
		mins[i], maxs[i] = b.MinRating, b.MaxRating
		if b.Days < PermanentSuspension {
			return fmt.Errorf("%w: suspension band %d days %d", ErrInvalidTable, i, b.Days)
		}
	}
	if err := validateBands(mins, maxs); err != nil {
		return fmt.Errorf("suspension: %w", err)
	}
	c := s.Cancellation
	if c.MaxFreeCancellationHours < 0 || c.MaxDailyFreeCancellations < 0 || c.FeeRateBps < 0 || c.FeeRateBps > 10000 {
		return fmt.Errorf("%w: cancellation policy %+v", ErrInvalidTable, c)
	}
	return nil
}
