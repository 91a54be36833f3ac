package helix

import (
	"context"
	"log/slog"

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

// AdapterConfig bundles the construction input for a helix Adapter.
type AdapterConfig struct {
	RESTBaseURL string
	WSURL       string
	Creds       Credentials
	DryRun      bool
	Logger      *slog.Logger
}

// New constructs a helix Adapter from a resolved symbol universe and
// venue credentials. The REST client and WS feed share one
// InstrumentCache and translator; the feed authenticates lazily on
// every (re)connect via the client's cached WS token.
func New(cfg AdapterConfig, universe []types.Symbol) (*Adapter, error) {
	translator, err := exchange.NewUnderscorePerpTranslator(universe)
	if err != nil {
		return nil, err
	}
	instr := exchange.NewInstrumentCache()

	client := NewClient(Config{
		BaseURL:    cfg.RESTBaseURL,
		Creds:      cfg.Creds,
		Instr:      instr,
		Translator: translator,
		DryRun:     cfg.DryRun,
		Logger:     cfg.Logger,
	})

	ws := NewWSFeed(cfg.WSURL, client.FetchWSToken, translator, instr, cfg.Logger)

	return &Adapter{client: client, ws: ws, translator: translator, logger: cfg.Logger}, nil
}

func (a *Adapter) Venue() types.Venue { return "helix" }

func (a *Adapter) Connect(ctx context.Context) error {
	go a.ws.Run(ctx)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	return a.ws.Close()
}

// Authenticate pre-fetches the WS token so the first subscription does
// not pay the token round trip; REST calls sign themselves per
// request and need no login step.
func (a *Adapter) Authenticate(ctx context.Context) error {
	_, err := a.client.FetchWSToken(ctx)
	return err
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

// GetOrderbook derives a top-of-book view from the ticker snapshot;
// this venue's REST surface has no standalone depth endpoint, the
// same one-shot fallback ark and vega use.
func (a *Adapter) GetOrderbook(ctx context.Context, sym types.Symbol, limit int) (types.OrderBookTop, error) {
	snap, err := a.client.GetTicker(ctx, sym)
	if err != nil {
		return types.OrderBookTop{}, err
	}
	if snap.Bid == nil || snap.Ask == nil {
		return types.OrderBookTop{}, exchange.ErrStaleBook
	}
	top := types.OrderBookTop{
		Venue:       "helix",
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

// CreateOrder submits a single order over REST — the fallback path
// for venues' dual-limit strategy and non-batch legs; the default
// two-leg market path goes through SubmitBatch instead.
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

func (a *Adapter) SubscribeUserData(cb exchange.OrderCallback) error {
	return a.ws.SubscribeUserData(cb)
}

func (a *Adapter) Unsubscribe(sym *types.Symbol) error {
	return a.ws.Unsubscribe(sym)
}

// SupportsBatchSubmit is true: this venue's WebSocket connection
// accepts an atomic two-leg market order batch, the default execution
// path per §6's capability matrix.
func (a *Adapter) SupportsBatchSubmit() bool { return true }

func (a *Adapter) SubmitBatch(ctx context.Context, legs [2]exchange.BatchLeg, slippagePct decimal.Decimal) ([2]types.OrderState, error) {
	return a.ws.SubmitBatch(ctx, legs, slippagePct)
}
