package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/config"
	"perparb/internal/exchange"
	"perparb/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

// stubAdapter implements exchange.Adapter with no-op behavior except
// for the fields tests care about, embedding the interface so only the
// methods under test need overriding.
type stubAdapter struct {
	exchange.Adapter
	venue           types.Venue
	createOrderFunc func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error)
}

func (s *stubAdapter) Venue() types.Venue                     { return s.venue }
func (s *stubAdapter) Connect(ctx context.Context) error      { return nil }
func (s *stubAdapter) Disconnect(ctx context.Context) error   { return nil }
func (s *stubAdapter) Authenticate(ctx context.Context) error { return nil }
func (s *stubAdapter) GetSupportedSymbols(ctx context.Context) ([]types.Symbol, error) {
	return nil, nil
}
func (s *stubAdapter) SubscribeUserData(cb exchange.OrderCallback) error { return nil }
func (s *stubAdapter) SupportsBatchSubmit() bool                        { return false }
func (s *stubAdapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
	return s.createOrderFunc(ctx, req)
}

func filledOrder(venue types.Venue, symbol types.Symbol, side types.Side, qty decimal.Decimal) types.OrderState {
	return types.OrderState{
		OrderID: string(venue) + "-o", Venue: venue, Symbol: symbol, Side: side,
		Amount: qty, Filled: qty, Remaining: decimal.Zero, Status: types.StatusFilled,
	}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.Config{
		Symbols:              []string{"BTC-USDC-PERP"},
		PriceSpreadThreshold: 0.01,
		FundingRateThreshold: 0.0001,
		Risk: config.RiskConfig{
			// Price stability is unit-tested in package risk; disabled
			// here so these wiring tests don't need to wait out a real
			// observation window.
			PriceStabilityWindowSeconds: 0,
		},
		Executor: config.ExecutorConfig{
			MarketOrderTimeout: 50 * time.Millisecond,
			SlippagePercent:    map[string]float64{"open": 0.1},
		},
		Quarantine: config.QuarantineConfig{
			ManualInterventionAutoResume: time.Hour,
		},
	}

	buy := &stubAdapter{venue: "ark", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return filledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}}
	sell := &stubAdapter{venue: "vega", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return filledOrder("vega", req.Symbol, req.Side, req.Amount), nil
	}}
	adapters := map[types.Venue]exchange.Adapter{"ark": buy, "vega": sell}
	universe := map[types.Venue][]types.Symbol{"ark": {"BTC-USDC-PERP"}, "vega": {"BTC-USDC-PERP"}}

	o, err := New(cfg, adapters, universe, discardLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func TestHandleOpportunityExecutesProfitableSpread(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.agg.Run(ctx)

	// Feed fresh opposing-side depth through the real aggregator
	// pipeline so the liquidity gate sees it, exactly as production
	// Start() wiring does via SubscribeOrderbook callbacks.
	o.agg.PushBook("ark", types.OrderBookTop{
		Symbol: "BTC-USDC-PERP",
		BestBid: types.PriceLevel{Price: dec("99.9"), Size: dec("5")},
		BestAsk: types.PriceLevel{Price: dec("100"), Size: dec("5")},
		HasBid: true, HasAsk: true,
	})
	o.agg.PushBook("vega", types.OrderBookTop{
		Symbol: "BTC-USDC-PERP",
		BestBid: types.PriceLevel{Price: dec("101"), Size: dec("5")},
		BestAsk: types.PriceLevel{Price: dec("101.1"), Size: dec("5")},
		HasBid: true, HasAsk: true,
	})
	waitForBook(t, o, "ark", "BTC-USDC-PERP")
	waitForBook(t, o, "vega", "BTC-USDC-PERP")

	opp := types.ArbitrageOpportunity{
		Symbol: "BTC-USDC-PERP",
		Kind:   types.KindPriceSpread,
		PriceSpread: &types.PriceSpreadDetail{
			BuyVenue: "ark", SellVenue: "vega",
			PriceBuy: dec("100"), PriceSell: dec("101"),
			SizeBuy: dec("1"), SizeSell: dec("1"),
		},
	}

	o.handleOpportunity(ctx, opp)

	pairID := "ark:vega:BTC-USDC-PERP"
	if o.gates.ShouldSkipDueToDualLimitBackoff(pairID) {
		t.Error("a successful execution must not leave a dual-limit backoff armed")
	}
}

// waitForBook polls until the aggregator's processor has applied a
// pushed book sample, bounding the wait so a stalled processor fails
// the test instead of hanging it.
func waitForBook(t *testing.T, o *Orchestrator, venue types.Venue, symbol types.Symbol) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := o.agg.GetBook(venue, symbol, time.Second); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("book for %s/%s never applied by the aggregator", venue, symbol)
}

func TestHandleOpportunitySkipsOnInsufficientLiquidity(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	var called bool
	o.adapters["ark"].(*stubAdapter).createOrderFunc = func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		called = true
		return filledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}

	// No book ever pushed for this symbol: GetBook misses, so the
	// liquidity gate must treat both legs as missing depth and fail.
	opp := types.ArbitrageOpportunity{
		Symbol: "BTC-USDC-PERP",
		Kind:   types.KindPriceSpread,
		PriceSpread: &types.PriceSpreadDetail{
			BuyVenue: "ark", SellVenue: "vega",
			PriceBuy: dec("100"), PriceSell: dec("101"),
			SizeBuy: dec("1"), SizeSell: dec("1"),
		},
	}
	o.handleOpportunity(context.Background(), opp)

	if called {
		t.Error("an opportunity with no known opposing-side depth must never reach the executor")
	}
}

func TestHandleOpportunitySkipsWhenQuarantined(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)
	pairID := "ark:vega:BTC-USDC-PERP"

	var called bool
	o.adapters["ark"].(*stubAdapter).createOrderFunc = func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		called = true
		return filledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}
	o.quarantine.Defer(pairID, "BTC-USDC-PERP", "insufficient_liquidity", "", "ark", "vega", nil)

	opp := types.ArbitrageOpportunity{
		Symbol: "BTC-USDC-PERP",
		Kind:   types.KindPriceSpread,
		PriceSpread: &types.PriceSpreadDetail{
			BuyVenue: "ark", SellVenue: "vega",
			PriceBuy: dec("100"), PriceSell: dec("101"),
			SizeBuy: dec("1"), SizeSell: dec("1"),
		},
	}
	o.handleOpportunity(context.Background(), opp)

	if called {
		t.Error("a quarantined pair must never reach the executor")
	}
}

func TestHandleOpportunitySkipsZeroQuantity(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	var called bool
	o.adapters["ark"].(*stubAdapter).createOrderFunc = func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		called = true
		return filledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}

	opp := types.ArbitrageOpportunity{
		Symbol: "BTC-USDC-PERP",
		Kind:   types.KindPriceSpread,
		PriceSpread: &types.PriceSpreadDetail{
			BuyVenue: "ark", SellVenue: "vega",
			PriceBuy: dec("100"), PriceSell: dec("101"),
			SizeBuy: decimal.Zero, SizeSell: dec("1"),
		},
	}
	o.handleOpportunity(context.Background(), opp)

	if called {
		t.Error("zero available quantity must never reach the executor")
	}
}
