package ark

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/types"
)

// wireOrder is the venue's JSON order shape.
type wireOrder struct {
	OrderID   string `json:"orderId"`
	ClientID  string `json:"clientId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	Filled    string `json:"executedQuantity"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// statusFromText maps the venue's terminal-status plain-text
// responses ("New", "Filled", ...) onto the shared OrderStatus enum,
// per §4.2's "clients must tolerate non-JSON Content-Type" rule.
func statusFromText(s string) types.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new":
		return types.StatusOpen
	case "filled":
		return types.StatusFilled
	case "partiallyfilled", "partially_filled":
		return types.StatusPartiallyFilled
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
	if strings.EqualFold(w.Side, "Ask") {
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
		Status:    statusFromText(w.Status),
		CreatedAt: time.UnixMilli(w.CreatedAt),
	}, nil
}

// parseOrderResponse handles both the normal JSON order object and the
// venue's plain-text terminal-status response, synthesizing a minimal
// order object (id="pending") in the latter case.
func parseOrderResponse(body []byte, fallbackSymbol types.Symbol) (types.OrderState, error) {
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '[' {
		return types.OrderState{
			OrderID:   "pending",
			Symbol:    fallbackSymbol,
			Status:    statusFromText(trimmed),
			CreatedAt: time.Now(),
		}, nil
	}

	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return types.OrderState{}, fmt.Errorf("ark: parse order response: %w", err)
	}
	return wireOrderToState(w, fallbackSymbol)
}

func parseOrderList(body []byte, fallbackSymbol types.Symbol) ([]types.OrderState, error) {
	var raw []wireOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("ark: parse order list: %w", err)
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
	Currency      string `json:"symbol"`
	Available     string `json:"available"`
	Locked        string `json:"locked"`
	TotalQuantity string `json:"totalQuantity"`
}

// parseBalances takes totalQuantity as authoritative for
// unified-account balance per the spec's resolution of the
// /api/v1/capital-vs-collateral open question.
func parseBalances(body []byte) ([]types.Balance, error) {
	var raw []wireBalance
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("ark: parse balances: %w", err)
	}
	out := make([]types.Balance, 0, len(raw))
	for _, b := range raw {
		free, _ := decimal.NewFromString(b.Available)
		used, _ := decimal.NewFromString(b.Locked)
		total, err := decimal.NewFromString(b.TotalQuantity)
		if err != nil {
			total = free.Add(used)
		}
		out = append(out, types.Balance{
			Venue:    "ark",
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
	TickSize string `json:"tickSize"`
	StepSize string `json:"stepSize"`
	MinQty   string `json:"minQuantity"`
}

func parseMarkets(body []byte) ([]types.InstrumentMeta, error) {
	var raw []wireMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("ark: parse markets: %w", err)
	}
	out := make([]types.InstrumentMeta, 0, len(raw))
	for _, m := range raw {
		tick, _ := decimal.NewFromString(m.TickSize)
		step, _ := decimal.NewFromString(m.StepSize)
		minQty, _ := decimal.NewFromString(m.MinQty)
		out = append(out, types.InstrumentMeta{
			Venue:        "ark",
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
	NetQuantity   string `json:"netQuantity"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealizedPnL string `json:"pnlUnrealized"`
	RealizedPnL   string `json:"pnlRealized"`
	Leverage      string `json:"leverage"`
}

// parsePositions drops zero-net-quantity rows and derives side from
// the sign of net quantity, per the C4 position-filtering rule.
func parsePositions(body []byte) ([]types.Position, error) {
	var raw []wirePosition
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("ark: parse positions: %w", err)
	}
	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		net, err := decimal.NewFromString(p.NetQuantity)
		if err != nil || net.IsZero() {
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
			Venue:         "ark",
			Symbol:        types.Symbol(p.Symbol),
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

func unmarshalTicker(body []byte, out *wireTicker) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ark: parse ticker: %w", err)
	}
	return nil
}
