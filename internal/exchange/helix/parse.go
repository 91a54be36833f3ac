package helix

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/exchange"
	"perparb/pkg/types"
)

func unmarshalJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("helix: parse response: %w", err)
	}
	return nil
}

func parseDecimalPtr(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

// wireOrder is the venue's JSON order shape.
type wireOrder struct {
	OrderID   string `json:"order_id"`
	ClientID  string `json:"client_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"order_type"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	Filled    string `json:"filled_quantity"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

func statusFromNative(s string) types.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return types.StatusPending
	case "open", "new":
		return types.StatusOpen
	case "partially_filled":
		return types.StatusPartiallyFilled
	case "filled":
		return types.StatusFilled
	case "cancelled", "canceled":
		return types.StatusCanceled
	case "rejected":
		return types.StatusRejected
	case "expired":
		return types.StatusExpired
	default:
		return types.StatusUnknown
	}
}

func wireOrderToState(w wireOrder, fallback types.Symbol) (types.OrderState, error) {
	amount, err := decimal.NewFromString(w.Quantity)
	if err != nil {
		amount = decimal.Zero
	}
	filled, err := decimal.NewFromString(w.Filled)
	if err != nil {
		filled = decimal.Zero
	}
	remaining := amount.Sub(filled)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	sym := fallback
	if w.Symbol != "" {
		sym = types.Symbol(w.Symbol)
	}

	side := types.Buy
	if strings.EqualFold(w.Side, "sell") {
		side = types.Sell
	}

	return types.OrderState{
		OrderID:   w.OrderID,
		ClientID:  w.ClientID,
		Symbol:    sym,
		Side:      side,
		Type:      types.OrderType(strings.ToUpper(w.OrderType)),
		Amount:    amount,
		Price:     parseDecimalPtr(w.Price),
		Filled:    filled,
		Remaining: remaining,
		Status:    statusFromNative(w.Status),
		CreatedAt: time.UnixMilli(w.CreatedAt),
	}, nil
}

func parseOrderResponse(body []byte, fallbackSymbol types.Symbol) (types.OrderState, error) {
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return types.OrderState{}, fmt.Errorf("helix: parse order response: %w", err)
	}
	return wireOrderToState(w, fallbackSymbol)
}

func parseOrderList(body []byte, fallbackSymbol types.Symbol) ([]types.OrderState, error) {
	var raw []wireOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("helix: parse order list: %w", err)
	}
	out := make([]types.OrderState, 0, len(raw))
	for _, w := range raw {
		st, err := wireOrderToState(w, fallbackSymbol)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

type wireBalance struct {
	Currency  string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

func parseBalances(body []byte) ([]types.Balance, error) {
	var raw []wireBalance
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("helix: parse balances: %w", err)
	}
	out := make([]types.Balance, 0, len(raw))
	for _, b := range raw {
		free, _ := decimal.NewFromString(b.Available)
		used, _ := decimal.NewFromString(b.Locked)
		total, err := decimal.NewFromString(b.Total)
		if err != nil {
			total = free.Add(used)
		}
		out = append(out, types.Balance{
			Venue:    "helix",
			Currency: b.Currency,
			Free:     free,
			Used:     used,
			Total:    total,
		})
	}
	return out, nil
}

type wireMarket struct {
	Symbol   string `json:"symbol"`
	TickSize string `json:"tick_size"`
	StepSize string `json:"step_size"`
	MinQty   string `json:"min_quantity"`
}

func parseMarkets(body []byte) ([]types.InstrumentMeta, error) {
	var raw []wireMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("helix: parse markets: %w", err)
	}
	out := make([]types.InstrumentMeta, 0, len(raw))
	for _, m := range raw {
		tick, _ := decimal.NewFromString(m.TickSize)
		step, _ := decimal.NewFromString(m.StepSize)
		minQty, _ := decimal.NewFromString(m.MinQty)
		out = append(out, types.InstrumentMeta{
			Venue:        "helix",
			NativeSymbol: m.Symbol,
			TickSize:     tick,
			StepSize:     step,
			MinQuantity:  minQty,
		})
	}
	return out, nil
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	NetQuantity   string `json:"net_quantity"`
	EntryPrice    string `json:"entry_price"`
	MarkPrice     string `json:"mark_price"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	RealizedPnL   string `json:"realized_pnl"`
	Leverage      string `json:"leverage"`
}

// parsePositions drops zero-net-quantity rows and derives side from
// the sign of net quantity, per the C4 position-filtering rule.
func parsePositions(body []byte, translator exchange.SymbolTranslator) ([]types.Position, error) {
	var raw []wirePosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("helix: parse positions: %w", err)
	}
	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		net, err := decimal.NewFromString(p.NetQuantity)
		if err != nil || net.IsZero() {
			continue
		}
		sym, err := translator.Normalize(p.Symbol)
		if err != nil {
			continue
		}
		side := types.Long
		if net.IsNegative() {
			side = types.Short
			net = net.Abs()
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		unrealized, _ := decimal.NewFromString(p.UnrealizedPnL)
		realized, _ := decimal.NewFromString(p.RealizedPnL)
		leverage, _ := decimal.NewFromString(p.Leverage)
		out = append(out, types.Position{
			Venue:         "helix",
			Symbol:        sym,
			Side:          side,
			Size:          net,
			EntryPrice:    entry,
			MarkPrice:     parseDecimalPtr(p.MarkPrice),
			UnrealizedPnL: unrealized,
			RealizedPnL:   realized,
			Leverage:      leverage,
		})
	}
	return out, nil
}

type wireTicker struct {
	Symbol      string `json:"symbol"`
	Bid         string `json:"bid_price"`
	Ask         string `json:"ask_price"`
	BidSize     string `json:"bid_size"`
	AskSize     string `json:"ask_size"`
	Last        string `json:"last_price"`
	Mark        string `json:"mark_price"`
	FundingRate string `json:"funding_rate"`
}

func tickerFromWire(sym types.Symbol, wt wireTicker) types.TickerSnapshot {
	return types.TickerSnapshot{
		Venue:       "helix",
		Symbol:      sym,
		Bid:         parseDecimalPtr(wt.Bid),
		Ask:         parseDecimalPtr(wt.Ask),
		BidSize:     parseDecimalPtr(wt.BidSize),
		AskSize:     parseDecimalPtr(wt.AskSize),
		Last:        parseDecimalPtr(wt.Last),
		Mark:        parseDecimalPtr(wt.Mark),
		FundingRate: parseDecimalPtr(wt.FundingRate),
		ArrivalTime: time.Now(),
	}
}
