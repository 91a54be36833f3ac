package ark

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/exchange"
	"perparb/pkg/types"
)

// Adapter wires Client and WSFeed into the exchange.Adapter facade.
type Adapter struct {
	client     *Client
	ws         *WSFeed
	translator exchange.SymbolTranslator
	logger     *slog.Logger
}

// New constructs an ark Adapter from a resolved symbol universe and
// venue credentials.
func New(restBaseURL, wsURL string, universe []types.Symbol, creds Credentials, dryRun bool, logger *slog.Logger) (*Adapter, error) {
	translator, err := NewMixedCaseSuffixTranslatorAdapter(universe)
	if err != nil {
		return nil, err
	}
	instr := exchange.NewInstrumentCache()
	client := NewClient(Config{
		BaseURL:    restBaseURL,
		Creds:      creds,
		Instr:      instr,
		Translator: translator,
		DryRun:     dryRun,
		Logger:     logger,
	})
	ws := NewWSFeed(wsURL, translator, logger)

	return &Adapter{client: client, ws: ws, translator: translator, logger: logger}, nil
}

// NewMixedCaseSuffixTranslatorAdapter is a thin indirection so this
// package constructs its own translator type without every caller
// needing to import the shared exchange package's translator
// constructor directly.
func NewMixedCaseSuffixTranslatorAdapter(universe []types.Symbol) (exchange.SymbolTranslator, error) {
	return exchange.NewMixedCaseSuffixTranslator(universe)
}

func (a *Adapter) Venue() types.Venue { return "ark" }

func (a *Adapter) Connect(ctx context.Context) error {
	go a.ws.Run(ctx)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.ws.Close()
}

// Authenticate is a no-op on ark: every REST call is independently
// signed, and the WebSocket feed is public-only per §6.
func (a *Adapter) Authenticate(ctx context.Context) error { return nil }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.doSigned(ctx, a.client.limiter.Book, "GET", "/api/v1/account", nil, nil)
	return err
}

func (a *Adapter) GetExchangeInfo(ctx context.Context) ([]types.InstrumentMeta, error) {
	return a.client.GetExchangeInfo(ctx)
}

func (a *Adapter) GetSupportedSymbols(ctx context.Context) ([]types.Symbol, error) {
	metas, err := a.client.GetExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Symbol, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Symbol)
	}
	return out, nil
}

// GetTicker and GetOrderbook answer one-shot REST queries; the
// aggregator otherwise relies on the WebSocket push path for the hot
// freshness-tracked data, per spec.md §4.5.
func (a *Adapter) GetTicker(ctx context.Context, sym types.Symbol) (types.TickerSnapshot, error) {
	native, err := a.translator.ToVenue(sym)
	if err != nil {
		return types.TickerSnapshot{}, err
	}
	resp, err := a.client.doSigned(ctx, a.client.limiter.Book, "GET", "/api/v1/ticker", map[string]string{"symbol": native}, nil)
	if err != nil {
		return types.TickerSnapshot{}, err
	}
	var wt wireTicker
	if err := unmarshalTicker(resp.Body(), &wt); err != nil {
		return types.TickerSnapshot{}, err
	}
	return types.TickerSnapshot{
		Venue:       "ark",
		Symbol:      sym,
		Bid:         parseDecimalPtr(wt.Bid),
		Ask:         parseDecimalPtr(wt.Ask),
		BidSize:     parseDecimalPtr(wt.BidSize),
		AskSize:     parseDecimalPtr(wt.AskSize),
		Last:        parseDecimalPtr(wt.Last),
		Mark:        parseDecimalPtr(wt.Mark),
		FundingRate: parseDecimalPtr(wt.FundingRate),
		ArrivalTime: time.Now(),
	}, nil
}

func (a *Adapter) GetOrderbook(ctx context.Context, sym types.Symbol, limit int) (types.OrderBookTop, error) {
	snap, err := a.GetTicker(ctx, sym)
	if err != nil {
		return types.OrderBookTop{}, err
	}
	if snap.Bid == nil || snap.Ask == nil {
		return types.OrderBookTop{}, exchange.ErrStaleBook
	}
	top := types.OrderBookTop{
		Venue:       "ark",
		Symbol:      sym,
		HasBid:      true,
		HasAsk:      true,
		BestBid:     types.PriceLevel{Price: *snap.Bid},
		BestAsk:     types.PriceLevel{Price: *snap.Ask},
		ArrivalTime: snap.ArrivalTime,
	}
	if snap.BidSize != nil {
		top.BestBid.Size = *snap.BidSize
	}
	if snap.AskSize != nil {
		top.BestAsk.Size = *snap.AskSize
	}
	return top, nil
}

func (a *Adapter) GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	return a.client.GetBalances(ctx, forceRefresh)
}

func (a *Adapter) GetPositions(ctx context.Context, symbols []types.Symbol) ([]types.Position, error) {
	// Positions are fetched via the signed positionQuery instruction;
	// zero-size rows are dropped per the C4 position-filtering rule.
	resp, err := a.client.doSigned(ctx, a.client.limiter.Book, "GET", "/api/v1/position", nil, nil)
	if err != nil {
		return nil, err
	}
	return parsePositions(resp.Body())
}

func (a *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
	return a.client.CreateOrder(ctx, req)
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
	return a.client.CancelOrder(ctx, orderID, sym)
}

func (a *Adapter) CancelAllOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error) {
	return a.client.CancelAllOrders(ctx, sym)
}

func (a *Adapter) GetOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
	return a.client.GetOrder(ctx, orderID, sym)
}

func (a *Adapter) GetOpenOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error) {
	return a.client.GetOpenOrders(ctx, sym)
}

func (a *Adapter) SubscribeTicker(sym types.Symbol, cb exchange.TickerCallback) error {
	return a.ws.SubscribeTicker(sym, cb)
}

func (a *Adapter) SubscribeOrderbook(sym types.Symbol, cb exchange.BookCallback) error {
	return a.ws.SubscribeOrderbook(sym, cb)
}

func (a *Adapter) SubscribeTrades(sym types.Symbol, cb exchange.TradeCallback) error {
	return a.ws.SubscribeTrades(sym, cb)
}

// SubscribeUserData has no effect on ark: the venue's WS feed is
// public-only, so user/order pushes never arrive here. The executor
// must rely on REST polling (GetOrder/GetOpenOrders) for this venue.
func (a *Adapter) SubscribeUserData(cb exchange.OrderCallback) error { return nil }

func (a *Adapter) Unsubscribe(sym *types.Symbol) error { return nil }

func (a *Adapter) SupportsBatchSubmit() bool { return false }

func (a *Adapter) SubmitBatch(ctx context.Context, legs [2]exchange.BatchLeg, slippagePct decimal.Decimal) ([2]types.OrderState, error) {
	return [2]types.OrderState{}, exchange.ErrNotAuthenticated
}
