package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/types"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeSource is a literal in-memory BookSource fixture; no mocking
// library, matching the teacher's plain-struct test doubles.
type fakeSource struct {
	books   map[types.Venue]types.OrderBookTop
	tickers map[types.Venue]types.TickerSnapshot
}

func (f fakeSource) BooksForSymbol(types.Symbol, []types.Venue, time.Duration) map[types.Venue]types.OrderBookTop {
	return f.books
}

func (f fakeSource) TickersForSymbol(types.Symbol, []types.Venue, time.Duration) map[types.Venue]types.TickerSnapshot {
	return f.tickers
}

func newDetector() *Detector {
	return &Detector{
		Symbols:              []types.Symbol{"BTC-USDC-PERP"},
		Venues:               []types.Venue{"ark", "vega", "helix"},
		MaxBookAge:           time.Second,
		PriceSpreadThreshold: dec("0.05"),
		FundingThreshold:     dec("0.0001"),
	}
}

func book(bid, ask string) types.OrderBookTop {
	return types.OrderBookTop{
		HasBid:  true,
		HasAsk:  true,
		BestBid: types.PriceLevel{Price: dec(bid), Size: dec("1")},
		BestAsk: types.PriceLevel{Price: dec(ask), Size: dec("1")},
	}
}

func TestScanEmitsPositiveGrossEdgeOnly(t *testing.T) {
	t.Parallel()
	d := newDetector()
	src := fakeSource{books: map[types.Venue]types.OrderBookTop{
		"ark":  book("100", "100.1"),
		"vega": book("101", "101.1"),
	}}

	got := d.Scan(src)

	var priceOpps int
	for _, o := range got {
		if o.Kind != types.KindPriceSpread {
			continue
		}
		priceOpps++
		if o.PriceSpread.BuyVenue != "ark" || o.PriceSpread.SellVenue != "vega" {
			t.Errorf("expected buy=ark sell=vega, got buy=%s sell=%s", o.PriceSpread.BuyVenue, o.PriceSpread.SellVenue)
		}
	}
	if priceOpps != 1 {
		t.Fatalf("expected exactly one price-spread opportunity (the profitable direction only), got %d", priceOpps)
	}
}

func TestScanDropsSpreadsBelowThreshold(t *testing.T) {
	t.Parallel()
	d := newDetector()
	d.PriceSpreadThreshold = dec("5") // 5%, far above this fixture's spread
	src := fakeSource{books: map[types.Venue]types.OrderBookTop{
		"ark":  book("100", "100.1"),
		"vega": book("100.2", "100.3"),
	}}

	got := d.Scan(src)
	for _, o := range got {
		if o.Kind == types.KindPriceSpread {
			t.Errorf("spread below threshold should have been dropped, got %+v", o.PriceSpread)
		}
	}
}

func TestScanSkipsInvalidBooks(t *testing.T) {
	t.Parallel()
	d := newDetector()
	src := fakeSource{books: map[types.Venue]types.OrderBookTop{
		"ark":  book("100", "100.1"),
		"vega": {HasBid: true, HasAsk: false},
	}}

	got := d.Scan(src)
	for _, o := range got {
		if o.Kind == types.KindPriceSpread && (o.PriceSpread.BuyVenue == "vega" || o.PriceSpread.SellVenue == "vega") {
			t.Error("one-sided book on vega should never appear in a price spread")
		}
	}
}

func TestScanFundingSpreadPicksHighLowCorrectly(t *testing.T) {
	t.Parallel()
	d := newDetector()
	high := dec("0.001")
	low := dec("-0.0005")
	src := fakeSource{tickers: map[types.Venue]types.TickerSnapshot{
		"ark":  {FundingRate: &low},
		"vega": {FundingRate: &high},
	}}

	got := d.Scan(src)
	var found bool
	for _, o := range got {
		if o.Kind != types.KindFundingRate {
			continue
		}
		found = true
		if o.FundingSpread.HighVenue != "vega" || o.FundingSpread.LowVenue != "ark" {
			t.Errorf("expected high=vega low=ark, got high=%s low=%s", o.FundingSpread.HighVenue, o.FundingSpread.LowVenue)
		}
		if !o.FundingSpread.AbsDiff.Equal(high.Sub(low)) {
			t.Errorf("abs diff = %v, want %v", o.FundingSpread.AbsDiff, high.Sub(low))
		}
	}
	if !found {
		t.Fatal("expected a funding-rate-spread opportunity")
	}
}

func TestScanFundingSpreadSkipsMissingRate(t *testing.T) {
	t.Parallel()
	d := newDetector()
	rate := dec("0.001")
	src := fakeSource{tickers: map[types.Venue]types.TickerSnapshot{
		"ark":  {FundingRate: &rate},
		"vega": {FundingRate: nil},
	}}

	got := d.Scan(src)
	for _, o := range got {
		if o.Kind == types.KindFundingRate {
			t.Error("a venue missing a funding rate must not produce a spread")
		}
	}
}

func TestScanCombinesReinforcingSignals(t *testing.T) {
	t.Parallel()
	d := newDetector()
	highRate := dec("0.001")
	lowRate := dec("-0.0005")
	src := fakeSource{
		books: map[types.Venue]types.OrderBookTop{
			"ark":  book("100", "100.1"),
			"vega": book("101", "101.1"),
		},
		tickers: map[types.Venue]types.TickerSnapshot{
			"ark":  {FundingRate: &highRate},
			"vega": {FundingRate: &lowRate},
		},
	}

	got := d.Scan(src)
	var combined *types.ArbitrageOpportunity
	for i := range got {
		if got[i].Kind == types.KindCombined {
			combined = &got[i]
		}
	}
	if combined == nil {
		t.Fatal("expected a combined opportunity when price and funding spreads share the buy/sell venues and reinforce")
	}
	if combined.PriceSpread.BuyVenue != "ark" || combined.FundingSpread.HighVenue != "ark" {
		t.Errorf("combined opportunity venue mismatch: %+v", combined)
	}
}

func TestScanSortsDescendingByScore(t *testing.T) {
	t.Parallel()
	d := &Detector{
		Symbols:              []types.Symbol{"BTC-USDC-PERP", "ETH-USDC-PERP"},
		Venues:               []types.Venue{"ark", "vega"},
		MaxBookAge:           time.Second,
		PriceSpreadThreshold: dec("0.01"),
		FundingThreshold:     dec("999"), // suppress funding spreads for this test
	}
	src := fakeSource{books: map[types.Venue]types.OrderBookTop{
		"ark":  book("100", "100.1"),
		"vega": book("105", "105.1"),
	}}

	got := d.Scan(src)
	for i := 1; i < len(got); i++ {
		if got[i].Score.GreaterThan(got[i-1].Score) {
			t.Fatalf("results not sorted descending at index %d: %v > %v", i, got[i].Score, got[i-1].Score)
		}
	}
}
