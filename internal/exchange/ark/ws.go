package ark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"perparb/internal/exchange"
	"perparb/pkg/types"
)

// WSFeed is ark's public-only WebSocket client: symbol-keyed
// subscription, no private channel (per §6, WS auth on this venue is
// "— (public)"). The dial/read/reconnect loop is grounded directly on
// the teacher's internal/exchange/ws.go.
type WSFeed struct {
	url        string
	translator exchange.SymbolTranslator
	logger     *slog.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	subscribed     map[string]bool
	tickerCb       map[types.Symbol]exchange.TickerCallback
	bookCb         map[types.Symbol]exchange.BookCallback
	tradeCb        map[types.Symbol]exchange.TradeCallback

	reconnectDelay time.Duration
	maxDelay       time.Duration
}

// NewWSFeed constructs a feed bound to url. The reconnect backoff
// starts at 1s and is capped at 30s.
func NewWSFeed(url string, translator exchange.SymbolTranslator, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:            url,
		translator:     translator,
		logger:         logger,
		subscribed:     make(map[string]bool),
		tickerCb:       make(map[types.Symbol]exchange.TickerCallback),
		bookCb:         make(map[types.Symbol]exchange.BookCallback),
		tradeCb:        make(map[types.Symbol]exchange.TradeCallback),
		reconnectDelay: time.Second,
		maxDelay:       30 * time.Second,
	}
}

// Run dials and re-dials with exponential backoff (1s doubling to a
// 30s cap) until ctx is canceled, exactly the teacher's ws.go pattern.
func (f *WSFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connectAndRead(ctx); err != nil {
			f.logger.Warn("ark: ws connection lost, reconnecting", "error", err, "delay", f.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}

		f.reconnectDelay *= 2
		if f.reconnectDelay > f.maxDelay {
			f.reconnectDelay = f.maxDelay
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("ark: dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	subs := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if err := f.writeSubscribe(s); err != nil {
			return err
		}
	}

	// reset backoff after a successful connect
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
			return fmt.Errorf("ark: read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *WSFeed) writeSubscribe(selector string) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	payload := map[string]any{"method": "SUBSCRIBE", "params": []string{selector}}
	return conn.WriteJSON(payload)
}

// Subscriptions returns the current subscription set, used by the
// health monitor to re-apply it byte-identically after a reconnect.
func (f *WSFeed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		out = append(out, s)
	}
	return out
}

func (f *WSFeed) subscribeSelector(selector string) {
	f.mu.Lock()
	f.subscribed[selector] = true
	f.mu.Unlock()
	_ = f.writeSubscribe(selector)
}

// SubscribeTicker registers a ticker callback and subscribes to the
// venue's ticker stream for sym.
func (f *WSFeed) SubscribeTicker(sym types.Symbol, cb exchange.TickerCallback) error {
	native, err := f.translator.ToVenue(sym)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.tickerCb[sym] = cb
	f.mu.Unlock()
	f.subscribeSelector("ticker." + native)
	return nil
}

// SubscribeOrderbook registers a book callback and subscribes to the
// venue's depth stream for sym.
func (f *WSFeed) SubscribeOrderbook(sym types.Symbol, cb exchange.BookCallback) error {
	native, err := f.translator.ToVenue(sym)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.bookCb[sym] = cb
	f.mu.Unlock()
	f.subscribeSelector("bookTicker." + native)
	return nil
}

// SubscribeTrades registers a trade callback and subscribes to the
// venue's trade stream for sym.
func (f *WSFeed) SubscribeTrades(sym types.Symbol, cb exchange.TradeCallback) error {
	native, err := f.translator.ToVenue(sym)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.tradeCb[sym] = cb
	f.mu.Unlock()
	f.subscribeSelector("trade." + native)
	return nil
}

type wireEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wireTicker struct {
	Symbol      string `json:"symbol"`
	Bid         string `json:"bidPrice"`
	Ask         string `json:"askPrice"`
	BidSize     string `json:"bidQuantity"`
	AskSize     string `json:"askQuantity"`
	Last        string `json:"lastPrice"`
	Mark        string `json:"markPrice"`
	FundingRate string `json:"fundingRate"`
}

func (f *WSFeed) dispatch(msg []byte) {
	var evt wireEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return
	}
	parts := strings.SplitN(evt.Stream, ".", 2)
	if len(parts) != 2 {
		return
	}
	kind, native := parts[0], parts[1]

	sym, err := f.translator.Normalize(native)
	if err != nil {
		return
	}

	switch kind {
	case "ticker", "bookTicker":
		var wt wireTicker
		if err := json.Unmarshal(evt.Data, &wt); err != nil {
			return
		}
		f.dispatchTickerAndBook(sym, wt)
	}
}

func (f *WSFeed) dispatchTickerAndBook(sym types.Symbol, wt wireTicker) {
	now := time.Now()

	bid := parseDecimalPtr(wt.Bid)
	ask := parseDecimalPtr(wt.Ask)
	bidSize := parseDecimalPtr(wt.BidSize)
	askSize := parseDecimalPtr(wt.AskSize)

	f.mu.Lock()
	tcb := f.tickerCb[sym]
	bcb := f.bookCb[sym]
	f.mu.Unlock()

	if tcb != nil {
		tcb(types.TickerSnapshot{
			Venue:       "ark",
			Symbol:      sym,
			Bid:         bid,
			Ask:         ask,
			BidSize:     bidSize,
			AskSize:     askSize,
			Last:        parseDecimalPtr(wt.Last),
			Mark:        parseDecimalPtr(wt.Mark),
			FundingRate: parseDecimalPtr(wt.FundingRate),
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
			Venue:       "ark",
			Symbol:      sym,
			HasBid:      true,
			HasAsk:      true,
			BestBid:     types.PriceLevel{Price: *bid, Size: bidLevel},
			BestAsk:     types.PriceLevel{Price: *ask, Size: askLevel},
			ArrivalTime: now,
		})
	}
}

// Close tears down the current connection, used by the health monitor
// before re-dialing.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}
