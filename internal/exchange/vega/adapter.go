package vega

import (
	"context"
	"crypto/ecdsa"
	"log/slog"

	"github.com/shopspring/decimal"

	"perparb/internal/exchange"
	"perparb/pkg/types"
)

// Adapter wires Client and WSFeed into the exchange.Adapter facade.
type Adapter struct {
	client     *Client
	ws         *WSFeed
	session    *Session
	translator exchange.SymbolTranslator
	logger     *slog.Logger
}

// AdapterConfig bundles the construction input for a vega Adapter.
type AdapterConfig struct {
	MarketBaseURL string
	TradeBaseURL  string
	EdgeBaseURL   string
	PublicWSURL   string
	PrivateWSURL  string
	APIKey        string
	PrivateKey    *ecdsa.PrivateKey
	ChainID       int64
	SubAccountID  uint64
	RateMs        int
	DryRun        bool
	Logger        *slog.Logger
}

// New constructs a vega Adapter from a resolved symbol universe and
// venue credentials.
func New(cfg AdapterConfig, universe []types.Symbol) (*Adapter, error) {
	translator, err := exchange.NewUnderscorePerpTranslator(universe)
	if err != nil {
		return nil, err
	}
	instr := exchange.NewInstrumentCache()
	session := &Session{}

	client := NewClient(Config{
		MarketBaseURL: cfg.MarketBaseURL,
		TradeBaseURL:  cfg.TradeBaseURL,
		EdgeBaseURL:   cfg.EdgeBaseURL,
		APIKey:        cfg.APIKey,
		PrivateKey:    cfg.PrivateKey,
		ChainID:       cfg.ChainID,
		SubAccountID:  cfg.SubAccountID,
		Instr:         instr,
		Translator:    translator,
		DryRun:        cfg.DryRun,
		Logger:        cfg.Logger,
	})
	client.session = session

	ws := NewWSFeed(cfg.PublicWSURL, cfg.PrivateWSURL, translator, session, cfg.RateMs, cfg.Logger)

	return &Adapter{client: client, ws: ws, session: session, translator: translator, logger: cfg.Logger}, nil
}

func (a *Adapter) Venue() types.Venue { return "vega" }

func (a *Adapter) Connect(ctx context.Context) error {
	go a.ws.Run(ctx)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.ws.Close()
}

// Authenticate performs the session-cookie login eagerly so the first
// private REST or WebSocket call does not pay the login round trip.
func (a *Adapter) Authenticate(ctx context.Context) error {
	return a.client.login(ctx)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.GetBalances(ctx, false)
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

func (a *Adapter) GetTicker(ctx context.Context, sym types.Symbol) (types.TickerSnapshot, error) {
	return a.client.GetTicker(ctx, sym)
}

func (a *Adapter) GetOrderbook(ctx context.Context, sym types.Symbol, limit int) (types.OrderBookTop, error) {
	snap, err := a.client.GetTicker(ctx, sym)
	if err != nil {
		return types.OrderBookTop{}, err
	}
	if snap.Bid == nil || snap.Ask == nil {
		return types.OrderBookTop{}, exchange.ErrStaleBook
	}
	top := types.OrderBookTop{
		Venue:       "vega",
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
	return a.client.GetPositions(ctx)
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

// SubscribeUserData wires the order-push callback into the private
// session-authenticated WebSocket stream, unlike ark's public-only
// feed.
func (a *Adapter) SubscribeUserData(cb exchange.OrderCallback) error {
	return a.ws.SubscribeUserData(cb)
}

func (a *Adapter) Unsubscribe(sym *types.Symbol) error {
	return a.ws.Unsubscribe(sym)
}

// SupportsBatchSubmit is false: this venue signs one order message per
// REST call, with no atomic multi-order endpoint, per the §6
// capability matrix.
func (a *Adapter) SupportsBatchSubmit() bool { return false }

func (a *Adapter) SubmitBatch(ctx context.Context, legs [2]exchange.BatchLeg, slippagePct decimal.Decimal) ([2]types.OrderState, error) {
	return [2]types.OrderState{}, exchange.ErrNotAuthenticated
}
