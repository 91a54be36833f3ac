// Package detector implements C6: per-symbol pairwise price-spread and
// funding-rate-spread enumeration over the aggregator's fresh books and
// tickers, scored and sorted descending.
//
// Grounded on the teacher's internal/market/scanner.go rankMarkets
// score-and-sort idiom (compute a score per candidate, sort.Slice
// descending), retargeted from single-venue market discovery to
// cross-venue spread enumeration.
package detector

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/types"
)

// BookSource is the subset of the aggregator's read surface the
// detector depends on; a narrow interface so this package has no
// compile-time dependency on the aggregator's concrete type.
type BookSource interface {
	BooksForSymbol(symbol types.Symbol, venues []types.Venue, maxAge time.Duration) map[types.Venue]types.OrderBookTop
	TickersForSymbol(symbol types.Symbol, venues []types.Venue, maxAge time.Duration) map[types.Venue]types.TickerSnapshot
}

// Detector enumerates cross-venue arbitrage opportunities for a fixed
// symbol universe across a fixed venue set.
type Detector struct {
	Symbols              []types.Symbol
	Venues                []types.Venue
	MaxBookAge           time.Duration
	PriceSpreadThreshold decimal.Decimal // percent, e.g. 0.1 for 0.1%
	FundingThreshold     decimal.Decimal // absolute rate difference
}

// venueBook is the gathered (venue, bid, ask, bid_size, ask_size) tuple
// the pairwise enumeration reads from, per spec.md §4.6 step 1.
type venueBook struct {
	venue   types.Venue
	bid     decimal.Decimal
	ask     decimal.Decimal
	bidSize decimal.Decimal
	askSize decimal.Decimal
}

// Scan runs the full C6 algorithm: gather → enumerate price spreads →
// filter → enumerate funding spreads → combine → sort descending.
func (d *Detector) Scan(src BookSource) []types.ArbitrageOpportunity {
	var all []types.ArbitrageOpportunity
	now := time.Now()

	for _, sym := range d.Symbols {
		books := d.gatherBooks(src, sym)
		priceSpreads := d.enumeratePriceSpreads(sym, books, now)

		fundingRates := src.TickersForSymbol(sym, d.Venues, d.MaxBookAge)
		fundingSpreads := d.enumerateFundingSpreads(sym, fundingRates, now)

		combined := d.combine(sym, priceSpreads, fundingSpreads, now)

		all = append(all, priceSpreads...)
		all = append(all, fundingSpreads...)
		all = append(all, combined...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Score.GreaterThan(all[j].Score)
	})
	return all
}

func (d *Detector) gatherBooks(src BookSource, sym types.Symbol) []venueBook {
	raw := src.BooksForSymbol(sym, d.Venues, d.MaxBookAge)
	out := make([]venueBook, 0, len(raw))
	for v, b := range raw {
		if !b.Valid() {
			continue
		}
		out = append(out, venueBook{
			venue:   v,
			bid:     b.BestBid.Price,
			ask:     b.BestAsk.Price,
			bidSize: b.BestBid.Size,
			askSize: b.BestAsk.Size,
		})
	}
	return out
}

// enumeratePriceSpreads walks every ordered pair (A,B) and emits only
// directions where sell.bid > buy.ask — the positive-gross-edge rule
// from spec.md §3/§4.6; the reverse direction is never emitted.
func (d *Detector) enumeratePriceSpreads(sym types.Symbol, books []venueBook, now time.Time) []types.ArbitrageOpportunity {
	var out []types.ArbitrageOpportunity
	hundred := decimal.NewFromInt(100)

	for _, buy := range books {
		for _, sell := range books {
			if buy.venue == sell.venue {
				continue
			}
			if !sell.bid.GreaterThan(buy.ask) {
				continue
			}
			abs := sell.bid.Sub(buy.ask)
			pct := abs.Div(buy.ask).Mul(hundred)
			if pct.LessThan(d.PriceSpreadThreshold) {
				continue
			}
			detail := types.PriceSpreadDetail{
				BuyVenue:  buy.venue,
				SellVenue: sell.venue,
				PriceBuy:  buy.ask,
				PriceSell: sell.bid,
				SizeBuy:   buy.askSize,
				SizeSell:  sell.bidSize,
				Abs:       abs,
				PctOfBuy:  pct,
			}
			out = append(out, types.ArbitrageOpportunity{
				Symbol:      sym,
				Kind:        types.KindPriceSpread,
				PriceSpread: &detail,
				Score:       pct,
				DetectedAt:  now,
			})
		}
	}
	return out
}

// enumerateFundingSpreads walks every unordered venue pair and emits
// one opportunity per pair whose absolute funding-rate difference
// clears the threshold.
func (d *Detector) enumerateFundingSpreads(sym types.Symbol, tickers map[types.Venue]types.TickerSnapshot, now time.Time) []types.ArbitrageOpportunity {
	var out []types.ArbitrageOpportunity
	venues := make([]types.Venue, 0, len(tickers))
	for v := range tickers {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	for i := 0; i < len(venues); i++ {
		for j := i + 1; j < len(venues); j++ {
			a, b := tickers[venues[i]], tickers[venues[j]]
			if a.FundingRate == nil || b.FundingRate == nil {
				continue
			}
			diff := a.FundingRate.Sub(*b.FundingRate).Abs()
			if diff.LessThan(d.FundingThreshold) {
				continue
			}
			high, low := venues[i], venues[j]
			rateHigh, rateLow := *a.FundingRate, *b.FundingRate
			if rateLow.GreaterThan(rateHigh) {
				high, low = low, high
				rateHigh, rateLow = rateLow, rateHigh
			}
			detail := types.FundingSpreadDetail{
				HighVenue: high,
				LowVenue:  low,
				RateHigh:  rateHigh,
				RateLow:   rateLow,
				AbsDiff:   diff,
			}
			out = append(out, types.ArbitrageOpportunity{
				Symbol:        sym,
				Kind:          types.KindFundingRate,
				FundingSpread: &detail,
				Score:         diff,
				DetectedAt:    now,
			})
		}
	}
	return out
}

// combine emits a COMBINED opportunity when the top price spread and a
// compatible funding spread share (buy_venue, sell_venue) with
// rate_buy > rate_sell, scoring the sum per spec.md §4.6 step 5.
func (d *Detector) combine(sym types.Symbol, priceSpreads, fundingSpreads []types.ArbitrageOpportunity, now time.Time) []types.ArbitrageOpportunity {
	if len(priceSpreads) == 0 || len(fundingSpreads) == 0 {
		return nil
	}

	top := priceSpreads[0]
	for _, p := range priceSpreads[1:] {
		if p.Score.GreaterThan(top.Score) {
			top = p
		}
	}

	for _, f := range fundingSpreads {
		if f.FundingSpread.HighVenue != top.PriceSpread.BuyVenue || f.FundingSpread.LowVenue != top.PriceSpread.SellVenue {
			continue
		}
		// rate_buy (high venue, the buy leg) must exceed rate_sell for
		// the combined signal to reinforce the price spread direction.
		if !f.FundingSpread.RateHigh.GreaterThan(f.FundingSpread.RateLow) {
			continue
		}
		priceDetail := *top.PriceSpread
		fundingDetail := *f.FundingSpread
		return []types.ArbitrageOpportunity{{
			Symbol:        sym,
			Kind:          types.KindCombined,
			PriceSpread:   &priceDetail,
			FundingSpread: &fundingDetail,
			Score:         top.Score.Add(f.Score),
			DetectedAt:    now,
		}}
	}
	return nil
}
