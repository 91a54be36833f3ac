package helix

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perparb/internal/exchange"
	"perparb/pkg/types"
)

// Client is the REST client for the helix venue: standard
// API-key/secret header auth for account and order-history endpoints,
// plus the token fetch the WS connection needs to authenticate. Order
// placement itself is WS-provided on this venue (see ws.go); this
// client only carries the REST-fallback single-order path used by the
// dual-limit and market-market submission strategies.
type Client struct {
	http       *resty.Client
	creds      Credentials
	limiter    *exchange.RateLimiter
	instr      *exchange.InstrumentCache
	translator exchange.SymbolTranslator
	dryRun     bool
	logger     *slog.Logger

	balMu       sync.Mutex
	balCache    []types.Balance
	balCachedAt time.Time
	balTTL      time.Duration

	tokenMu        sync.Mutex
	token          string
	tokenExpiresAt int64
}

// Config is the per-instance construction input for Client.
type Config struct {
	BaseURL    string
	Creds      Credentials
	Instr      *exchange.InstrumentCache
	Translator exchange.SymbolTranslator
	DryRun     bool
	Logger     *slog.Logger
	BalanceTTL time.Duration
}

// NewClient builds a resty client with retry-on-5xx and helix's
// published rate limits.
func NewClient(cfg Config) *Client {
	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	ttl := cfg.BalanceTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Client{
		http:  h,
		creds: cfg.Creds,
		limiter: exchange.NewRateLimiter(
			exchange.CategoryLimits{Capacity: 200, RatePerSecond: 40},
			exchange.CategoryLimits{Capacity: 200, RatePerSecond: 40},
			exchange.CategoryLimits{Capacity: 200, RatePerSecond: 40},
		),
		instr:      cfg.Instr,
		translator: cfg.Translator,
		dryRun:     cfg.DryRun,
		logger:     cfg.Logger,
		balTTL:     ttl,
	}
}

func (c *Client) doSigned(ctx context.Context, bucket *exchange.TokenBucket, method, path string, query, body map[string]string) (*resty.Response, error) {
	if bucket != nil {
		if err := bucket.Wait(ctx); err != nil {
			return nil, err
		}
	}

	params := map[string]string{}
	for k, v := range query {
		params[k] = v
	}
	for k, v := range body {
		params[k] = v
	}
	headers := Sign(c.creds, method, path, params, nowMillis())

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", headers.APIKey).
		SetHeader("X-SIGNATURE", headers.Signature).
		SetHeader("X-TIMESTAMP", headers.Timestamp).
		SetHeader("Content-Type", "application/json")

	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	var resp *resty.Response
	var err error
	switch strings.ToUpper(method) {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return nil, fmt.Errorf("helix: unsupported method %q", method)
	}
	if err != nil {
		return nil, fmt.Errorf("helix: request %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return resp, &exchange.APIError{
			Venue:      "helix",
			Code:       strconv.Itoa(resp.StatusCode()),
			Message:    resp.String(),
			HTTPStatus: resp.StatusCode(),
			Retryable:  resp.StatusCode() >= 500,
		}
	}
	return resp, nil
}

// FetchWSToken fetches (and caches until ≤10s from expiry) the token
// the WS connection authenticates with, per §6's "WS auth: Token"
// cell.
func (c *Client) FetchWSToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.token != "" && tokenStillValid(c.tokenExpiresAt) {
		tok := c.token
		c.tokenMu.Unlock()
		return tok, nil
	}
	c.tokenMu.Unlock()

	resp, err := c.doSigned(ctx, c.limiter.Book, "POST", "/api/v1/ws_token", nil, nil)
	if err != nil {
		return "", err
	}
	var wt wsTokenResponse
	if err := unmarshalJSON(resp.Body(), &wt); err != nil {
		return "", err
	}

	c.tokenMu.Lock()
	c.token = wt.Token
	c.tokenExpiresAt = wt.ExpiresAt
	c.tokenMu.Unlock()

	return wt.Token, nil
}

// GetBalances implements the stale-on-error, TTL-cached balance
// contract of C4.
func (c *Client) GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	c.balMu.Lock()
	if !forceRefresh && len(c.balCache) > 0 && time.Since(c.balCachedAt) < c.balTTL {
		cached := c.balCache
		c.balMu.Unlock()
		return cached, nil
	}
	c.balMu.Unlock()

	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/account/balance", nil, nil)
	if err != nil {
		c.balMu.Lock()
		defer c.balMu.Unlock()
		if len(c.balCache) > 0 {
			c.logger.Warn("helix: balance refresh failed, returning stale cache", "error", err)
			return c.balCache, nil
		}
		return nil, err
	}

	balances, err := parseBalances(resp.Body())
	if err != nil {
		return nil, err
	}

	c.balMu.Lock()
	c.balCache = balances
	c.balCachedAt = time.Now()
	c.balMu.Unlock()

	return balances, nil
}

// GetPositions fetches open positions, dropping zero-quantity rows.
func (c *Client) GetPositions(ctx context.Context) ([]types.Position, error) {
	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/account/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	return parsePositions(resp.Body(), c.translator)
}

// CreateOrder submits a single order via REST — the fallback path
// when the batched WS submission is unavailable (e.g. a SPOT leg that
// cannot carry reduce_only, or the dual-limit strategy).
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.OrderState, error) {
	native, err := c.translator.ToVenue(req.Symbol)
	if err != nil {
		return types.OrderState{}, err
	}
	meta, err := c.instr.Get(req.Symbol)
	if err != nil {
		return types.OrderState{}, err
	}

	body := map[string]string{
		"symbol":    native,
		"side":      strings.ToLower(string(req.Side)),
		"orderType": strings.ToLower(string(req.Type)),
		"quantity":  exchange.FormatQuantity(meta, req.Amount),
	}
	if req.Price != nil {
		body["price"] = exchange.FormatPrice(meta, *req.Price)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "true"
	}
	if req.ClientID != "" {
		body["clientId"] = req.ClientID
	}

	if c.dryRun {
		c.logger.Info("helix: dry-run order", "body", body)
		return dryRunOrderState(req), nil
	}

	resp, err := c.doSigned(ctx, c.limiter.Order, "POST", "/api/v1/order", nil, body)
	if err != nil {
		return types.OrderState{}, err
	}
	return parseOrderResponse(resp.Body(), req.Symbol)
}

// CancelOrder cancels by order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
	native, err := c.translator.ToVenue(sym)
	if err != nil {
		return types.OrderState{}, err
	}
	resp, err := c.doSigned(ctx, c.limiter.Cancel, "DELETE", "/api/v1/order", map[string]string{"orderId": orderID, "symbol": native}, nil)
	if err != nil {
		return types.OrderState{}, err
	}
	return parseOrderResponse(resp.Body(), sym)
}

// CancelAllOrders fetches open orders and cancels one by one, the
// fetch-then-cancel fallback this venue's bulk endpoint requires.
func (c *Client) CancelAllOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error) {
	open, err := c.GetOpenOrders(ctx, sym)
	if err != nil {
		return nil, err
	}
	canceled := make([]types.OrderState, 0, len(open))
	for _, o := range open {
		res, err := c.CancelOrder(ctx, o.OrderID, o.Symbol)
		if err != nil {
			c.logger.Warn("helix: cancel-all: failed to cancel order", "order_id", o.OrderID, "error", err)
			continue
		}
		canceled = append(canceled, res)
	}
	return canceled, nil
}

// GetOrder retrieves one order, falling back to order-history lookup
// on a 404.
func (c *Client) GetOrder(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
	native, err := c.translator.ToVenue(sym)
	if err != nil {
		return types.OrderState{}, err
	}
	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/order", map[string]string{"orderId": orderID, "symbol": native}, nil)
	if err != nil {
		var apiErr *exchange.APIError
		if errorsAs(err, &apiErr) && apiErr.HTTPStatus == 404 {
			return c.findInHistory(ctx, orderID, sym)
		}
		return types.OrderState{}, err
	}
	return parseOrderResponse(resp.Body(), sym)
}

func (c *Client) findInHistory(ctx context.Context, orderID string, sym types.Symbol) (types.OrderState, error) {
	history, err := c.GetOrderHistory(ctx, sym, 0, 100)
	if err != nil {
		return types.OrderState{}, err
	}
	for _, o := range history {
		if o.OrderID == orderID || o.ClientID == orderID {
			return o, nil
		}
	}
	return types.OrderState{}, fmt.Errorf("helix: order %s not found in live orders or history", orderID)
}

// GetOpenOrders lists resting orders, optionally filtered by symbol.
func (c *Client) GetOpenOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error) {
	query := map[string]string{}
	var canonical types.Symbol
	if sym != nil {
		native, err := c.translator.ToVenue(*sym)
		if err != nil {
			return nil, err
		}
		query["symbol"] = native
		canonical = *sym
	}
	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/orders", query, nil)
	if err != nil {
		return nil, err
	}
	orders, err := parseOrderList(resp.Body(), canonical)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if s, nerr := c.translator.Normalize(string(orders[i].Symbol)); nerr == nil {
			orders[i].Symbol = s
		}
	}
	return orders, nil
}

// GetOrderHistory fetches historical orders for the fallback lookup
// path and general reporting.
func (c *Client) GetOrderHistory(ctx context.Context, sym types.Symbol, since int64, limit int) ([]types.OrderState, error) {
	native, err := c.translator.ToVenue(sym)
	if err != nil {
		return nil, err
	}
	query := map[string]string{"symbol": native, "limit": strconv.Itoa(limit)}
	if since > 0 {
		query["since"] = strconv.FormatInt(since, 10)
	}
	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/orders/history", query, nil)
	if err != nil {
		return nil, err
	}
	return parseOrderList(resp.Body(), sym)
}

// GetExchangeInfo fetches instrument metadata for every market.
func (c *Client) GetExchangeInfo(ctx context.Context) ([]types.InstrumentMeta, error) {
	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/markets", nil, nil)
	if err != nil {
		return nil, err
	}
	metas, err := parseMarkets(resp.Body())
	if err != nil {
		return nil, err
	}
	resolved := make([]types.InstrumentMeta, 0, len(metas))
	for _, m := range metas {
		sym, err := c.translator.Normalize(m.NativeSymbol)
		if err != nil {
			c.logger.Warn("helix: skipping unrecognized market", "native_symbol", m.NativeSymbol)
			continue
		}
		m.Symbol = sym
		c.instr.Put(m)
		resolved = append(resolved, m)
	}
	return resolved, nil
}

// GetTicker is a one-shot REST query; the aggregator otherwise relies
// on the WebSocket push path for the hot freshness-tracked data.
func (c *Client) GetTicker(ctx context.Context, sym types.Symbol) (types.TickerSnapshot, error) {
	native, err := c.translator.ToVenue(sym)
	if err != nil {
		return types.TickerSnapshot{}, err
	}
	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/ticker", map[string]string{"symbol": native}, nil)
	if err != nil {
		return types.TickerSnapshot{}, err
	}
	var wt wireTicker
	if err := unmarshalJSON(resp.Body(), &wt); err != nil {
		return types.TickerSnapshot{}, err
	}
	return tickerFromWire(sym, wt), nil
}

func dryRunOrderState(req exchange.OrderRequest) types.OrderState {
	return types.OrderState{
		OrderID:   "dry-run",
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Amount:    req.Amount,
		Price:     req.Price,
		Filled:    decimal.Zero,
		Remaining: req.Amount,
		Status:    types.StatusOpen,
		CreatedAt: time.Now(),
	}
}

// errorsAs is a tiny indirection so this file does not need to import
// "errors" solely for one As() call site, mirroring the ark client's
// local helper.
func errorsAs(err error, target **exchange.APIError) bool {
	for err != nil {
		if v, ok := err.(*exchange.APIError); ok {
			*target = v
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
