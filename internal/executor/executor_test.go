package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/config"
	"perparb/internal/exchange"
	"perparb/internal/quarantine"
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

// fakeAdapter is a literal hand-rolled exchange.Adapter test double;
// only the methods the executor actually calls do anything.
type fakeAdapter struct {
	venue types.Venue

	createOrderFunc  func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error)
	getOrderFunc     func(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error)
	cancelOrderFunc  func(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error)
	getOrderbookFunc func(ctx context.Context, sym types.Symbol, limit int) (types.OrderBookTop, error)
	supportsBatch    bool
}

func (f *fakeAdapter) Venue() types.Venue                                { return f.venue }
func (f *fakeAdapter) Connect(ctx context.Context) error                 { return nil }
func (f *fakeAdapter) Disconnect(ctx context.Context) error              { return nil }
func (f *fakeAdapter) Authenticate(ctx context.Context) error            { return nil }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error             { return nil }
func (f *fakeAdapter) GetExchangeInfo(ctx context.Context) ([]types.InstrumentMeta, error) {
	return nil, nil
}
func (f *fakeAdapter) GetSupportedSymbols(ctx context.Context) ([]types.Symbol, error) {
	return nil, nil
}
func (f *fakeAdapter) GetTicker(ctx context.Context, sym types.Symbol) (types.TickerSnapshot, error) {
	return types.TickerSnapshot{}, nil
}
func (f *fakeAdapter) GetOrderbook(ctx context.Context, sym types.Symbol, limit int) (types.OrderBookTop, error) {
	if f.getOrderbookFunc != nil {
		return f.getOrderbookFunc(ctx, sym, limit)
	}
	return types.OrderBookTop{}, nil
}
func (f *fakeAdapter) GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context, symbols []types.Symbol) ([]types.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
	return f.createOrderFunc(ctx, req)
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
	if f.cancelOrderFunc != nil {
		return f.cancelOrderFunc(ctx, orderID, sym)
	}
	return types.OrderState{}, nil
}
func (f *fakeAdapter) CancelAllOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error) {
	return nil, nil
}
func (f *fakeAdapter) GetOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
	if f.getOrderFunc != nil {
		return f.getOrderFunc(ctx, orderID, sym)
	}
	return types.OrderState{}, nil
}
func (f *fakeAdapter) GetOpenOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error) {
	return nil, nil
}
func (f *fakeAdapter) SubscribeTicker(sym types.Symbol, cb exchange.TickerCallback) error    { return nil }
func (f *fakeAdapter) SubscribeOrderbook(sym types.Symbol, cb exchange.BookCallback) error   { return nil }
func (f *fakeAdapter) SubscribeTrades(sym types.Symbol, cb exchange.TradeCallback) error      { return nil }
func (f *fakeAdapter) SubscribeUserData(cb exchange.OrderCallback) error                      { return nil }
func (f *fakeAdapter) Unsubscribe(sym *types.Symbol) error                                    { return nil }
func (f *fakeAdapter) SupportsBatchSubmit() bool                                              { return f.supportsBatch }
func (f *fakeAdapter) SubmitBatch(ctx context.Context, legs [2]exchange.BatchLeg, slippagePct decimal.Decimal) ([2]types.OrderState, error) {
	return [2]types.OrderState{}, nil
}

func filledOrder(venue types.Venue, symbol types.Symbol, side types.Side, qty decimal.Decimal) types.OrderState {
	return types.OrderState{
		OrderID: string(venue) + "-order", Venue: venue, Symbol: symbol, Side: side,
		Amount: qty, Filled: qty, Remaining: decimal.Zero, Status: types.StatusFilled,
	}
}

func unfilledOrder(venue types.Venue, symbol types.Symbol, side types.Side, qty decimal.Decimal) types.OrderState {
	return types.OrderState{
		OrderID: string(venue) + "-order", Venue: venue, Symbol: symbol, Side: side,
		Amount: qty, Filled: decimal.Zero, Remaining: qty, Status: types.StatusRejected,
	}
}

func newExecutor(adapters map[types.Venue]exchange.Adapter) (*Executor, *quarantine.Manager) {
	qm := quarantine.New(time.Hour, discardLogger())
	cfg := config.ExecutorConfig{
		MarketOrderTimeout: 50 * time.Millisecond,
		SlippagePercent:    map[string]float64{"open": 0.1, "batch": 0.1},
		RepairSlippageMult: 50,
		SingleLegThreshold: 3,
	}
	return New(cfg, adapters, qm, discardLogger()), qm
}

func TestExecuteBothLegsFilledSucceeds(t *testing.T) {
	t.Parallel()
	buy := &fakeAdapter{venue: "ark", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return filledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}}
	sell := &fakeAdapter{venue: "vega", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return filledOrder("vega", req.Symbol, req.Side, req.Amount), nil
	}}
	ex, _ := newExecutor(map[types.Venue]exchange.Adapter{"ark": buy, "vega": sell})

	out, err := ex.Execute(context.Background(), Request{
		PairID: "p1", Symbol: "BTC-USDC-PERP", BuyVenue: "ark", SellVenue: "vega", Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if !out.ActualQty.Equal(dec("1")) {
		t.Errorf("actual qty = %v, want 1", out.ActualQty)
	}
}

func TestExecuteBothLegsUnfilledFails(t *testing.T) {
	t.Parallel()
	buy := &fakeAdapter{venue: "ark", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return unfilledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}}
	sell := &fakeAdapter{venue: "vega", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return unfilledOrder("vega", req.Symbol, req.Side, req.Amount), nil
	}}
	ex, qm := newExecutor(map[types.Venue]exchange.Adapter{"ark": buy, "vega": sell})

	out, err := ex.Execute(context.Background(), Request{
		PairID: "p1", Symbol: "BTC-USDC-PERP", BuyVenue: "ark", SellVenue: "vega", Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Success {
		t.Fatal("both legs unfilled must not be reported as success")
	}
	if _, waiting := qm.Get("p1"); waiting {
		t.Error("both-legs-unfilled must NOT mark the pair waiting, per spec")
	}
}

func TestExecuteSingleLegRepairSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	buy := &fakeAdapter{venue: "ark", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return filledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}}
	sell := &fakeAdapter{venue: "vega"}
	ex, _ := newExecutor(map[types.Venue]exchange.Adapter{"ark": buy, "vega": sell})

	// The first submission (inside submitDualMarket) comes back
	// unfilled, forcing a single repair attempt that then fills.
	calls := 0
	sell.createOrderFunc = func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		calls++
		if calls == 1 {
			return unfilledOrder("vega", req.Symbol, req.Side, req.Amount), nil
		}
		return filledOrder("vega", req.Symbol, req.Side, req.Amount), nil
	}

	out, err := ex.Execute(context.Background(), Request{
		PairID: "p1", Symbol: "BTC-USDC-PERP", BuyVenue: "ark", SellVenue: "vega", Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success {
		t.Fatalf("expected repair to succeed, got %+v", out)
	}
	if calls != 2 {
		t.Errorf("expected exactly one repair attempt (2 total submissions), got %d", calls)
	}
}

func TestExecuteRepairFailsAllThreeAttemptsDefersManualIntervention(t *testing.T) {
	t.Parallel()
	buy := &fakeAdapter{venue: "ark", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return filledOrder("ark", req.Symbol, req.Side, req.Amount), nil
	}}
	sell := &fakeAdapter{
		venue: "vega",
		getOrderbookFunc: func(ctx context.Context, sym types.Symbol, limit int) (types.OrderBookTop, error) {
			return types.OrderBookTop{
				BestBid: types.PriceLevel{Price: dec("100")},
				BestAsk: types.PriceLevel{Price: dec("101")},
			}, nil
		},
	}
	sell.createOrderFunc = func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return unfilledOrder("vega", req.Symbol, req.Side, req.Amount), nil
	}
	ex, qm := newExecutor(map[types.Venue]exchange.Adapter{"ark": buy, "vega": sell})

	out, err := ex.Execute(context.Background(), Request{
		PairID: "p1", Symbol: "BTC-USDC-PERP", BuyVenue: "ark", SellVenue: "vega", Quantity: dec("1"), GridLevel: "grid-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Success {
		t.Fatal("expected failure after exhausting all repair attempts")
	}

	st, ok := qm.Get("p1")
	if !ok {
		t.Fatal("expected the pair to be deferred after repair exhaustion")
	}
	if st.Reason == "" {
		t.Error("expected a non-empty defer reason")
	}
}

func TestExecuteReduceOnlyViolationDefersForProbing(t *testing.T) {
	t.Parallel()
	buy := &fakeAdapter{venue: "ark", createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
		return types.OrderState{}, &exchange.APIError{Venue: "ark", Code: exchange.ReduceOnlyCode, Message: "reduce only"}
	}}
	sell := &fakeAdapter{venue: "vega"}
	ex, qm := newExecutor(map[types.Venue]exchange.Adapter{"ark": buy, "vega": sell})

	out, err := ex.Execute(context.Background(), Request{
		PairID: "p1", Symbol: "BTC-USDC-PERP", BuyVenue: "ark", SellVenue: "vega", Quantity: dec("1"), Closing: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Success {
		t.Fatal("a reduce-only rejection must not report success")
	}
	if _, ok := qm.Get("p1"); !ok {
		t.Fatal("expected the pair to be deferred for probing after a reduce-only violation")
	}
}

func TestProbeReduceOnlyLegCancelsAcceptedOrder(t *testing.T) {
	t.Parallel()
	var canceled bool
	adapter := &fakeAdapter{
		venue: "ark",
		createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
			return types.OrderState{OrderID: "o1", Status: types.StatusOpen}, nil
		},
		cancelOrderFunc: func(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
			canceled = true
			return types.OrderState{}, nil
		},
	}
	ex, _ := newExecutor(map[types.Venue]exchange.Adapter{"ark": adapter})

	ok, err := ex.ProbeReduceOnlyLeg(context.Background(), "ark", "BTC-USDC-PERP", dec("0.001"), dec("2000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected probe to report success")
	}
	if !canceled {
		t.Error("expected the accepted probe order to be canceled immediately")
	}
}

func TestProbeReduceOnlyLegReportsFailureOnReduceOnlyReject(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{
		venue: "ark",
		createOrderFunc: func(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
			return types.OrderState{}, &exchange.APIError{Venue: "ark", Code: exchange.ReduceOnlyCode}
		},
	}
	ex, _ := newExecutor(map[types.Venue]exchange.Adapter{"ark": adapter})

	ok, err := ex.ProbeReduceOnlyLeg(context.Background(), "ark", "BTC-USDC-PERP", dec("0.001"), dec("2000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("a reduce-only rejection on probe must report false, not error")
	}
}
