package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusOpen, false},
		{StatusPartiallyFilled, false},
		{StatusFilled, true},
		{StatusCanceled, true},
		{StatusRejected, true},
		{StatusExpired, true},
		{StatusUnknown, false},
	}

	for _, tc := range cases {
		if got := tc.status.IsTerminal(); got != tc.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestOrderStateFillCheck(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		filled    float64
		remaining float64
		amount    float64
		want      bool
	}{
		{"exact", 0.5, 0.5, 1.0, true},
		{"within epsilon", 0.5, 0.5 + 5e-9, 1.0, true},
		{"outside epsilon", 0.5, 0.6, 1.0, false},
		{"zero", 0, 1, 1, true},
	}

	for _, tc := range cases {
		o := OrderState{
			Filled:    decimal.NewFromFloat(tc.filled),
			Remaining: decimal.NewFromFloat(tc.remaining),
			Amount:    decimal.NewFromFloat(tc.amount),
		}
		if got := o.FillCheck(); got != tc.want {
			t.Errorf("%s: FillCheck() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestOrderBookTopValid(t *testing.T) {
	t.Parallel()

	valid := OrderBookTop{
		HasBid:  true,
		HasAsk:  true,
		BestBid: PriceLevel{Price: decimal.NewFromFloat(99.9)},
		BestAsk: PriceLevel{Price: decimal.NewFromFloat(100.0)},
	}
	if !valid.Valid() {
		t.Error("expected valid book (bid < ask) to be Valid()")
	}

	crossed := valid
	crossed.BestBid.Price = decimal.NewFromFloat(100.1)
	if crossed.Valid() {
		t.Error("expected crossed book (bid > ask) to be invalid")
	}

	missingAsk := valid
	missingAsk.HasAsk = false
	if missingAsk.Valid() {
		t.Error("expected book missing ask to be invalid")
	}
}

func TestInstrumentMetaPriceDecimals(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tick string
		want int32
	}{
		{"0.01", 2},
		{"0.0001", 4},
		{"1", 0},
		{"0.000000000000000001", 18},
	}

	for _, tc := range cases {
		m := InstrumentMeta{TickSize: decimal.RequireFromString(tc.tick)}
		if got := m.PriceDecimals(); got != tc.want {
			t.Errorf("tick=%s: PriceDecimals() = %d, want %d", tc.tick, got, tc.want)
		}
	}
}

func TestTruncateToStep(t *testing.T) {
	t.Parallel()

	v := decimal.RequireFromString("1.23456")
	step := decimal.RequireFromString("0.01")

	got := TruncateToStep(v, step)
	want := decimal.RequireFromString("1.23")

	if !got.Equal(want) {
		t.Errorf("TruncateToStep(%s, %s) = %s, want %s", v, step, got, want)
	}
}
