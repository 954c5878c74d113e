package policy

import (
	"errors"
	"testing"
)

func TestCommissionBpsBoundaries(t *testing.T) {
	snap := DefaultSnapshot()

	cases := []struct {
		rating float64
		want   int
	}{
		{5.0, 0},
		{4.6, 0},
		{4.5, 0},   // boundary belongs to the higher band
		{4.49, 300},
		{4.0, 300},
		{3.99, 500},
		{3.0, 500},
		{0.0, 500},
	}
	for _, c := range cases {
		if got := snap.CommissionBps(c.rating); got != c.want {
			t.Errorf("CommissionBps(%v): got %d, want %d", c.rating, got, c.want)
		}
	}
}

func TestCommissionBpsDefaultOnGap(t *testing.T) {
	// A broken table that skips [2.0, 3.0).
	snap := &Snapshot{
		Version: 9,
		Commission: []CommissionBand{
			{MinRating: 3.0, MaxRating: 5.0, RateBps: 100},
			{MinRating: 0.0, MaxRating: 2.0, RateBps: 700},
		},
	}
	if got := snap.CommissionBps(2.5); got != DefaultCommissionBps {
		t.Errorf("CommissionBps on gap: got %d, want default %d", got, DefaultCommissionBps)
	}
}

func TestSuspensionDaysBoundaries(t *testing.T) {
	snap := DefaultSnapshot()

	cases := []struct {
		rating float64
		want   int
	}{
		{0.5, PermanentSuspension},
		{1.0, PermanentSuspension}, // boundary belongs to the lower band
		{1.5, 7},
		{2.0, 7},
		{2.5, 3},
		{3.0, 3},
		{4.8, 0},
	}
	for _, c := range cases {
		if got := snap.SuspensionDays(c.rating); got != c.want {
			t.Errorf("SuspensionDays(%v): got %d, want %d", c.rating, got, c.want)
		}
	}
}

func TestFeeRounding(t *testing.T) {
	cases := []struct {
		amount int64
		bps    int
		want   int64
	}{
		{100000, 300, 3000},
		{50000, 500, 2500},
		{100000, 0, 0},
		{33333, 300, 1000},  // 999.99 rounds up
		{33, 300, 1},        // 0.99 rounds up
		{16, 300, 0},        // 0.48 rounds down
		{17, 300, 1},        // 0.51 rounds up
	}
	for _, c := range cases {
		if got := Fee(c.amount, c.bps); got != c.want {
			t.Errorf("Fee(%d, %d): got %d, want %d", c.amount, c.bps, got, c.want)
		}
	}
}

func TestSnapshotValidate(t *testing.T) {
	if err := DefaultSnapshot().Validate(); err != nil {
		t.Fatalf("default snapshot should validate: %v", err)
	}

	gap := DefaultSnapshot()
	gap.Commission = []CommissionBand{
		{MinRating: 4.0, MaxRating: 5.0, RateBps: 0},
		{MinRating: 0.0, MaxRating: 3.5, RateBps: 500},
	}
	if err := gap.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("gap table: got %v, want ErrInvalidTable", err)
	}

	partial := DefaultSnapshot()
	partial.Suspension = []SuspensionBand{
		{MinRating: 1.0, MaxRating: 5.0, Days: 0},
	}
	if err := partial.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("partial coverage: got %v, want ErrInvalidTable", err)
	}

	empty := DefaultSnapshot()
	empty.Commission = nil
	if err := empty.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("empty table: got %v, want ErrInvalidTable", err)
	}

	badRate := DefaultSnapshot()
	badRate.Commission[0].RateBps = 10001
	if err := badRate.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("rate over 100%%: got %v, want ErrInvalidTable", err)
	}

	inverted := DefaultSnapshot()
	inverted.Commission[0].MinRating = 5.0
	if err := inverted.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("inverted band: got %v, want ErrInvalidTable", err)
	}

	badCancel := DefaultSnapshot()
	badCancel.Cancellation.FeeRateBps = -1
	if err := badCancel.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("negative cancellation rate: got %v, want ErrInvalidTable", err)
	}
}
