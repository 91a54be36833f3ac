package vega

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perparb/internal/exchange"
	"perparb/pkg/types"
)

// WSFeed is vega's two-connection WebSocket client: a public,
// unauthenticated connection for ticker/book streams and a private
// connection, upgraded with the session cookie and account-id header,
// for the user order stream. Grounded on grvt_websocket.py's JSON-RPC
// subscribe envelope and the teacher's dial/read/reconnect loop in
// internal/exchange/ws.go.
type WSFeed struct {
	publicURL  string
	privateURL string
	translator exchange.SymbolTranslator
	session    *Session
	rateMs     int
	logger     *slog.Logger

	nextID atomic.Int64

	mu           sync.Mutex
	publicConn   *websocket.Conn
	privateConn  *websocket.Conn
	publicSubs   map[string]bool
	privateSubs  map[string]bool
	tickerCb     map[types.Symbol]exchange.TickerCallback
	bookCb       map[types.Symbol]exchange.BookCallback
	tradeCb      map[types.Symbol]exchange.TradeCallback
	orderCb      exchange.OrderCallback

	reconnectDelay time.Duration
	maxDelay       time.Duration
}

// NewWSFeed constructs a feed bound to the public and private
// endpoints. rateMs is the feed rate embedded in every selector
// (e.g. 500 for a 500ms ticker/book cadence).
func NewWSFeed(publicURL, privateURL string, translator exchange.SymbolTranslator, session *Session, rateMs int, logger *slog.Logger) *WSFeed {
	if rateMs <= 0 {
		rateMs = 500
	}
	return &WSFeed{
		publicURL:      publicURL,
		privateURL:     privateURL,
		translator:     translator,
		session:        session,
		rateMs:         rateMs,
		logger:         logger,
		publicSubs:     make(map[string]bool),
		privateSubs:    make(map[string]bool),
		tickerCb:       make(map[types.Symbol]exchange.TickerCallback),
		bookCb:         make(map[types.Symbol]exchange.BookCallback),
		tradeCb:        make(map[types.Symbol]exchange.TradeCallback),
		reconnectDelay: time.Second,
		maxDelay:       30 * time.Second,
	}
}

// Run dials both connections and re-dials each independently with
// exponential backoff until ctx is canceled.
func (f *WSFeed) Run(ctx context.Context) {
	go f.runLoop(ctx, f.connectAndReadPublic, "public")
	go f.runLoop(ctx, f.connectAndReadPrivate, "private")
	<-ctx.Done()
}

func (f *WSFeed) runLoop(ctx context.Context, connect func(context.Context) error, name string) {
	delay := f.reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := connect(ctx); err != nil {
			f.logger.Warn("vega: ws connection lost, reconnecting", "feed", name, "error", err, "delay", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
	}
}

func (f *WSFeed) connectAndReadPublic(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.publicURL, nil)
	if err != nil {
		return fmt.Errorf("vega: public dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.publicConn = conn
	subs := make([]string, 0, len(f.publicSubs))
	for s := range f.publicSubs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if err := f.writeSubscribe(conn, "ticker_book", []string{s}); err != nil {
			return err
		}
	}

	return f.readLoop(ctx, conn, f.dispatchPublic)
}

func (f *WSFeed) connectAndReadPrivate(ctx context.Context) error {
	if !f.session.Valid() {
		if err := f.awaitSession(ctx); err != nil {
			return err
		}
	}
	cookie, accountID := f.session.Headers()

	header := http.Header{}
	header.Set("Cookie", "gravity="+cookie)
	if accountID != "" {
		header.Set("X-Grvt-Account-Id", accountID)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.privateURL, header)
	if err != nil {
		return fmt.Errorf("vega: private dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.privateConn = conn
	f.mu.Unlock()

	if accountID != "" {
		if err := f.writeSubscribe(conn, "order", []string{accountID}); err != nil {
			return err
		}
	}

	return f.readLoop(ctx, conn, f.dispatchPrivate)
}

// awaitSession blocks briefly for a session to become valid; the
// private feed has nothing useful to subscribe to before the REST
// client has logged in at least once.
func (f *WSFeed) awaitSession(ctx context.Context) error {
	for i := 0; i < 50; i++ {
		if f.session.Valid() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("vega: private feed: no session established")
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn, dispatch func([]byte)) error {
	f.reconnectDelay = time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("vega: read: %w", err)
		}
		dispatch(msg)
	}
}

// rpcEnvelope is the JSON-RPC subscribe/unsubscribe request shape.
type rpcEnvelope struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  rpcSubscribeParams `json:"params"`
	ID      int64         `json:"id"`
}

type rpcSubscribeParams struct {
	Stream    string   `json:"stream"`
	Selectors []string `json:"selectors"`
}

func (f *WSFeed) writeSubscribe(conn *websocket.Conn, stream string, selectors []string) error {
	if conn == nil {
		return nil
	}
	env := rpcEnvelope{
		JSONRPC: "2.0",
		Method:  "subscribe",
		Params:  rpcSubscribeParams{Stream: stream, Selectors: selectors},
		ID:      f.nextID.Add(1),
	}
	return conn.WriteJSON(env)
}

// tickerSelector builds the "symbol@rate_ms" ticker/trade selector.
func (f *WSFeed) tickerSelector(native string) string {
	return fmt.Sprintf("%s@%d", native, f.rateMs)
}

// bookSelector builds the "symbol@rate_ms-depth" orderbook selector.
func (f *WSFeed) bookSelector(native string) string {
	return fmt.Sprintf("%s@%d-depth", native, f.rateMs)
}

// Subscriptions returns the current public subscription set, used by
// the health monitor to re-apply it after a reconnect.
func (f *WSFeed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.publicSubs))
	for s := range f.publicSubs {
		out = append(out, s)
	}
	return out
}

func (f *WSFeed) subscribePublic(selector string) {
	f.mu.Lock()
	f.publicSubs[selector] = true
	conn := f.publicConn
	f.mu.Unlock()
	_ = f.writeSubscribe(conn, "ticker_book", []string{selector})
}

// SubscribeTicker registers a ticker callback and subscribes to the
// venue's combined ticker/book selector for sym (this venue has no
// separate ticker-only stream).
func (f *WSFeed) SubscribeTicker(sym types.Symbol, cb exchange.TickerCallback) error {
	native, err := f.translator.ToVenue(sym)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.tickerCb[sym] = cb
	f.mu.Unlock()
	f.subscribePublic(f.tickerSelector(native))
	return nil
}

// SubscribeOrderbook registers a book callback and subscribes to the
// venue's depth selector for sym.
func (f *WSFeed) SubscribeOrderbook(sym types.Symbol, cb exchange.BookCallback) error {
	native, err := f.translator.ToVenue(sym)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.bookCb[sym] = cb
	f.mu.Unlock()
	f.subscribePublic(f.bookSelector(native))
	return nil
}

// SubscribeTrades registers a trade callback against the same
// combined selector the ticker stream uses; the venue multiplexes
// trade prints onto the ticker feed's feed array.
func (f *WSFeed) SubscribeTrades(sym types.Symbol, cb exchange.TradeCallback) error {
	native, err := f.translator.ToVenue(sym)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.tradeCb[sym] = cb
	f.mu.Unlock()
	f.subscribePublic(f.tickerSelector(native))
	return nil
}

// SubscribeUserData registers the single order-push callback used for
// the account's private order stream.
func (f *WSFeed) SubscribeUserData(cb exchange.OrderCallback) error {
	f.mu.Lock()
	f.orderCb = cb
	f.mu.Unlock()
	return nil
}

// wireFrame is the bare data-frame shape every JSON-RPC stream push
// arrives as, independent of the subscribe envelope.
type wireFrame struct {
	Stream         string          `json:"stream"`
	Selector       string          `json:"selector"`
	SequenceNumber int64           `json:"sequence_number"`
	Feed           json.RawMessage `json:"feed"`
}

type wireTickerFeed struct {
	Instrument  string `json:"instrument"`
	BidPrice    string `json:"best_bid_price"`
	AskPrice    string `json:"best_ask_price"`
	BidSize     string `json:"best_bid_size"`
	AskSize     string `json:"best_ask_size"`
	LastPrice   string `json:"last_price"`
	MarkPrice   string `json:"mark_price"`
	IndexPrice  string `json:"index_price"`
	FundingRate string `json:"funding_rate_8h_curr"`
}

func (f *WSFeed) dispatchPublic(msg []byte) {
	var frame wireFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Stream == "" {
		return
	}
	native := selectorInstrument(frame.Selector)
	sym, err := f.translator.Normalize(native)
	if err != nil {
		return
	}

	var wt wireTickerFeed
	if err := json.Unmarshal(frame.Feed, &wt); err != nil {
		return
	}
	f.dispatchTickerAndBook(sym, wt)
}

// selectorInstrument strips the "@rate_ms" or "@rate_ms-depth" suffix
// off a selector to recover the bare native instrument name.
func selectorInstrument(selector string) string {
	if idx := strings.IndexByte(selector, '@'); idx >= 0 {
		return selector[:idx]
	}
	return selector
}

func (f *WSFeed) dispatchTickerAndBook(sym types.Symbol, wt wireTickerFeed) {
	now := time.Now()

	bid := parseDecimalPtr(wt.BidPrice)
	ask := parseDecimalPtr(wt.AskPrice)
	bidSize := parseDecimalPtr(wt.BidSize)
	askSize := parseDecimalPtr(wt.AskSize)

	var funding *decimal.Decimal
	if raw := parseDecimalPtr(wt.FundingRate); raw != nil {
		v := raw.Div(decimal.NewFromInt(10000))
		funding = &v
	}

	f.mu.Lock()
	tcb := f.tickerCb[sym]
	bcb := f.bookCb[sym]
	f.mu.Unlock()

	if tcb != nil {
		tcb(types.TickerSnapshot{
			Venue:       "vega",
			Symbol:      sym,
			Bid:         bid,
			Ask:         ask,
			BidSize:     bidSize,
			AskSize:     askSize,
			Last:        parseDecimalPtr(wt.LastPrice),
			Mark:        parseDecimalPtr(wt.MarkPrice),
			Index:       parseDecimalPtr(wt.IndexPrice),
			FundingRate: funding,
			ArrivalTime: now,
		})
	}

	if bcb != nil && bid != nil && ask != nil {
		var bidLevel, askLevel decimal.Decimal
		if bidSize != nil {
			bidLevel = *bidSize
		}
		if askSize != nil {
			askLevel = *askSize
		}
		bcb(types.OrderBookTop{
			Venue:       "vega",
			Symbol:      sym,
			HasBid:      true,
			HasAsk:      true,
			BestBid:     types.PriceLevel{Price: *bid, Size: bidLevel},
			BestAsk:     types.PriceLevel{Price: *ask, Size: askLevel},
			ArrivalTime: now,
		})
	}
}

type wireOrderFeed struct {
	OrderID      string `json:"order_id"`
	ClientID     string `json:"client_order_id"`
	Instrument   string `json:"instrument"`
	Status       string `json:"status"`
	FilledSize   string `json:"filled_size"`
	RemainingSize string `json:"remaining_size"`
	AveragePrice string `json:"average_price"`
}

func (f *WSFeed) dispatchPrivate(msg []byte) {
	var frame wireFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Stream != "order" {
		return
	}
	var wo wireOrderFeed
	if err := json.Unmarshal(frame.Feed, &wo); err != nil {
		return
	}

	sym, err := f.translator.Normalize(wo.Instrument)
	if err != nil {
		return
	}

	f.mu.Lock()
	cb := f.orderCb
	f.mu.Unlock()
	if cb == nil {
		return
	}

	filled, _ := decimal.NewFromString(wo.FilledSize)
	remaining, _ := decimal.NewFromString(wo.RemainingSize)
	cb(types.OrderState{
		OrderID:   wo.OrderID,
		ClientID:  wo.ClientID,
		Symbol:    sym,
		Filled:    filled,
		Remaining: remaining,
		Average:   parseDecimalPtr(wo.AveragePrice),
		Status:    statusFromNative(wo.Status),
		UpdatedAt: timePtr(time.Now()),
	})
}

func timePtr(t time.Time) *time.Time { return &t }

// Unsubscribe clears registered callbacks for sym, or every callback
// when sym is nil. The venue has no unsubscribe wire message in this
// client's scope, so a cleared callback simply stops dispatching.
func (f *WSFeed) Unsubscribe(sym *types.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sym == nil {
		f.tickerCb = make(map[types.Symbol]exchange.TickerCallback)
		f.bookCb = make(map[types.Symbol]exchange.BookCallback)
		f.tradeCb = make(map[types.Symbol]exchange.TradeCallback)
		return nil
	}
	delete(f.tickerCb, *sym)
	delete(f.bookCb, *sym)
	delete(f.tradeCb, *sym)
	return nil
}

// Close tears down both connections, used by the health monitor before
// re-dialing.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.publicConn != nil {
		err = f.publicConn.Close()
		f.publicConn = nil
	}
	if f.privateConn != nil {
		if e := f.privateConn.Close(); e != nil && err == nil {
			err = e
		}
		f.privateConn = nil
	}
	return err
}
