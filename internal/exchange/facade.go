package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/types"
)

// TickerCallback, BookCallback, TradeCallback and OrderCallback are
// the canonical single-argument subscription callbacks every venue
// client funnels its pushes through. Per the design notes, the source
// material's arity-inspecting duck-typed dispatch is replaced with one
// signature per subscription kind.
type (
	TickerCallback func(types.TickerSnapshot)
	BookCallback   func(types.OrderBookTop)
	TradeCallback  func(symbol types.Symbol, price, size decimal.Decimal, takerSide types.Side, eventTime time.Time)
	OrderCallback  func(types.OrderState)
)

// BatchLeg is one leg of a batched two-market-order submission, the
// execution path a batch-capable venue offers as its default for
// two-legged arbitrage (spec.md §4.3, §4.8).
type BatchLeg struct {
	Symbol     types.Symbol
	Side       types.Side
	Quantity   decimal.Decimal
	ReduceOnly bool
}

// Adapter is the single contract the orchestrator, aggregator and
// executor use to talk to any venue — the uniform facade of C4.
// Adding a venue means implementing this interface (plus its own REST
// client, WebSocket client and symbol translator); no other component
// changes.
type Adapter interface {
	Venue() types.Venue

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	GetExchangeInfo(ctx context.Context) ([]types.InstrumentMeta, error)
	GetSupportedSymbols(ctx context.Context) ([]types.Symbol, error)

	GetTicker(ctx context.Context, sym types.Symbol) (types.TickerSnapshot, error)
	GetOrderbook(ctx context.Context, sym types.Symbol, limit int) (types.OrderBookTop, error)

	// GetBalances returns cached balances unless forceRefresh is set
	// or the cache is empty; on query failure the prior cache is
	// returned if non-empty (stale-on-error).
	GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error)
	GetPositions(ctx context.Context, symbols []types.Symbol) ([]types.Position, error)

	CreateOrder(ctx context.Context, req OrderRequest) (types.OrderState, error)
	CancelOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error)
	// CancelAllOrders MUST return the list of canceled orders; a venue
	// whose native endpoint returns only a count falls back to
	// fetch-then-cancel-one-by-one internally.
	CancelAllOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error)
	// GetOrder falls back to order-history lookup by order/client id on
	// a 404 before surfacing an error.
	GetOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error)
	GetOpenOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error)

	SubscribeTicker(sym types.Symbol, cb TickerCallback) error
	SubscribeOrderbook(sym types.Symbol, cb BookCallback) error
	SubscribeTrades(sym types.Symbol, cb TradeCallback) error
	SubscribeUserData(cb OrderCallback) error
	Unsubscribe(sym *types.Symbol) error

	// SupportsBatchSubmit reports whether this venue offers the
	// two-leg batched-market submission path.
	SupportsBatchSubmit() bool
	// SubmitBatch submits two market-order legs atomically. Only
	// valid when SupportsBatchSubmit() is true.
	SubmitBatch(ctx context.Context, legs [2]BatchLeg, slippagePct decimal.Decimal) ([2]types.OrderState, error)
}

// OrderRequest is the typed input to CreateOrder, replacing the
// dynamically-typed params map the source material passes around.
type OrderRequest struct {
	Symbol      types.Symbol
	Side        types.Side
	Type        types.OrderType
	Amount      decimal.Decimal
	Price       *decimal.Decimal
	ClientID    string
	ReduceOnly  bool
	SlippagePct *decimal.Decimal
}
