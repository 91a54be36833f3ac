package ark

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

// Client is the signed REST client for the ark venue. It mirrors the
// teacher's resty-based client structurally: a shared *resty.Client
// with retry-on-5xx, a per-category RateLimiter, and an optional
// dry-run mode that logs instead of sending mutating requests.
type Client struct {
	http      *resty.Client
	creds     Credentials
	limiter   *exchange.RateLimiter
	instr     *exchange.InstrumentCache
	translator exchange.SymbolTranslator
	dryRun    bool
	logger    *slog.Logger

	balMu      sync.Mutex
	balCache   []types.Balance
	balCachedAt time.Time
	balTTL     time.Duration
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

// NewClient builds a resty client with retry-on-5xx and ark's
// published rate limits, following the teacher's client construction
// pattern in internal/exchange/client.go.
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
		http:       h,
		creds:      cfg.Creds,
		limiter:    exchange.NewRateLimiter(
			exchange.CategoryLimits{Capacity: 350, RatePerSecond: 50},
			exchange.CategoryLimits{Capacity: 300, RatePerSecond: 30},
			exchange.CategoryLimits{Capacity: 150, RatePerSecond: 15},
		),
		instr:      cfg.Instr,
		translator: cfg.Translator,
		dryRun:     cfg.DryRun,
		logger:     cfg.Logger,
		balTTL:     ttl,
	}
}

// doSigned issues a signed request against path with the given query
// and body params, waiting on the supplied rate-limit bucket first.
func (c *Client) doSigned(ctx context.Context, bucket *exchange.TokenBucket, method, path string, query, body map[string]string) (*resty.Response, error) {
	if bucket != nil {
		if err := bucket.Wait(ctx); err != nil {
			return nil, err
		}
	}

	headers, err := Sign(c.logger, c.creds, method, path, query, body, nowMillis())
	if err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", headers.APIKey).
		SetHeader("X-SIGNATURE", headers.Signature).
		SetHeader("X-TIMESTAMP", headers.Timestamp).
		SetHeader("X-WINDOW", headers.Window).
		SetHeader("Content-Type", "application/json")

	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	var resp *resty.Response
	switch strings.ToUpper(method) {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return nil, fmt.Errorf("ark: unsupported method %q", method)
	}
	if err != nil {
		return nil, fmt.Errorf("ark: request %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return resp, &exchange.APIError{
			Venue:      "ark",
			Code:       strconv.Itoa(resp.StatusCode()),
			Message:    resp.String(),
			HTTPStatus: resp.StatusCode(),
			Retryable:  resp.StatusCode() >= 500,
		}
	}
	return resp, nil
}

// GetBalances implements the stale-on-error, TTL-cached balance
// contract of C4: a cached value is returned within TTL unless
// forceRefresh is set; on a query failure the prior non-empty cache is
// returned instead of propagating the error.
func (c *Client) GetBalances(ctx context.Context, forceRefresh bool) ([]types.Balance, error) {
	c.balMu.Lock()
	if !forceRefresh && len(c.balCache) > 0 && time.Since(c.balCachedAt) < c.balTTL {
		cached := c.balCache
		c.balMu.Unlock()
		return cached, nil
	}
	c.balMu.Unlock()

	resp, err := c.doSigned(ctx, c.limiter.Book, "GET", "/api/v1/capital", nil, nil)
	if err != nil {
		c.balMu.Lock()
		defer c.balMu.Unlock()
		if len(c.balCache) > 0 {
			c.logger.Warn("ark: balance refresh failed, returning stale cache", "error", err)
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

// CreateOrder submits a single order via REST (the fallback path on
// this venue, which has no batch-submit capability per the §6
// capability matrix).
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
		"symbol":   native,
		"side":     sideToNative(req.Side),
		"orderType": string(req.Type),
		"quantity": exchange.FormatQuantity(meta, req.Amount),
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
		c.logger.Info("ark: dry-run order", "body", body)
		return dryRunOrderState(req), nil
	}

	resp, err := c.doSigned(ctx, c.limiter.Order, "POST", "/api/v1/order", nil, body)
	if err != nil {
		return types.OrderState{}, err
	}
	return parseOrderResponse(resp.Body(), req.Symbol)
}

// CancelOrder cancels by order id. Per the idempotency rule, a second
// call after terminal status returns the terminal state rather than
// an error — parseOrderResponse's status-string tolerance handles
// both cases uniformly.
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

// CancelAllOrders fetches open orders and cancels one by one,
// accumulating results, following the "MUST return the list of
// canceled orders" contract of C4 when the native endpoint would
// otherwise return only a count.
func (c *Client) CancelAllOrders(ctx context.Context, sym *types.Symbol) ([]types.OrderState, error) {
	open, err := c.GetOpenOrders(ctx, sym)
	if err != nil {
		return nil, err
	}
	canceled := make([]types.OrderState, 0, len(open))
	for _, o := range open {
		res, err := c.CancelOrder(ctx, o.OrderID, o.Symbol)
		if err != nil {
			c.logger.Warn("ark: cancel-all: failed to cancel order", "order_id", o.OrderID, "error", err)
			continue
		}
		canceled = append(canceled, res)
	}
	return canceled, nil
}

// GetOrder retrieves one order, falling back to order-history lookup
// on a 404 per the C4 contract.
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
	return types.OrderState{}, fmt.Errorf("ark: order %s not found in live orders or history", orderID)
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
// path and for general reporting.
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

// GetExchangeInfo fetches instrument metadata for every market,
// deriving precision from tickSize/stepSize strings per §4.2.
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
			c.logger.Warn("ark: skipping unrecognized market", "native_symbol", m.NativeSymbol)
			continue
		}
		m.Symbol = sym
		c.instr.Put(m)
		resolved = append(resolved, m)
	}
	return resolved, nil
}

func sideToNative(s types.Side) string {
	if s == types.Buy {
		return "Bid"
	}
	return "Ask"
}

// errorsAs is a tiny indirection so this file does not need to import
// "errors" solely for one As() call site.
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
