package types

import (
	"math"
	"testing"
	"time"
)

func TestNormalizeQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		qty  int64
		want int64
	}{
		{0, 0},
		{50, 0},
		{99, 0},
		{100, 100},
		{150, 100},
		{199, 100},
		{200, 200},
		{1050, 1000},
	}

	for _, tt := range tests {
		if got := NormalizeQuantity(tt.qty); got != tt.want {
			t.Errorf("NormalizeQuantity(%d) = %d, want %d", tt.qty, got, tt.want)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusSubmitted, false},
		{StatusFilled, true},
		{StatusCancelled, true},
		{StatusRejected, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSnapshotDerivedFields(t *testing.T) {
	t.Parallel()

	s := Snapshot{Code: "sz000001", Last: 10.5, PrevClose: 10.0}
	if got := s.Change(); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Change() = %v, want 0.5", got)
	}
	if got := s.ChangePct(); math.Abs(got-5.0) > 1e-9 {
		t.Errorf("ChangePct() = %v, want 5.0", got)
	}

	// Unknown prior close must not divide by zero.
	s.PrevClose = 0
	if got := s.ChangePct(); got != 0 {
		t.Errorf("ChangePct() with zero prev close = %v, want 0", got)
	}
}

func TestBarFromSnapshotDeterministic(t *testing.T) {
	t.Parallel()

	s := Snapshot{
		Code:      "sh600000",
		Last:      12.34,
		Open:      12.00,
		High:      12.50,
		Low:       11.90,
		PrevClose: 12.10,
		Volume:    1_000_000,
		Turnover:  12_200_000,
		Timestamp: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
	}

	first := BarFromSnapshot(s)
	second := BarFromSnapshot(s)
	if first != second {
		t.Fatalf("conversion not deterministic: %+v vs %+v", first, second)
	}
	if first.Close != s.Last || first.Open != s.Open || first.Volume != s.Volume {
		t.Errorf("bar fields not carried over: %+v", first)
	}
	if !first.Timestamp.Equal(s.Timestamp) {
		t.Errorf("bar timestamp = %v, want %v", first.Timestamp, s.Timestamp)
	}
}

func TestPositionDerivedFields(t *testing.T) {
	t.Parallel()

	p := Position{Code: "sz000001", Quantity: 1000, AvgCost: 10.0, CurrentPrice: 11.0}
	if got := p.MarketValue(); math.Abs(got-11000) > 1e-9 {
		t.Errorf("MarketValue() = %v, want 11000", got)
	}
	if got := p.Profit(); math.Abs(got-1000) > 1e-9 {
		t.Errorf("Profit() = %v, want 1000", got)
	}
	if got := p.ProfitPct(); math.Abs(got-10) > 1e-9 {
		t.Errorf("ProfitPct() = %v, want 10", got)
	}

	p.AvgCost = 0
	if got := p.ProfitPct(); got != 0 {
		t.Errorf("ProfitPct() with zero cost = %v, want 0", got)
	}
}
