// Package executor implements C8: the two-legged order executor —
// submission path selection, per-order fill tracking against the
// WebSocket order stream, and the single-leg recovery protocol.
//
// Grounded exactly on original_source's
// execution/lighter_batch_executor.py for the fill-outcome
// classification table and the repair flow (two 50x-slippage market
// attempts, a third aggressive IOC-limit attempt, then manual
// intervention); the per-tick run-loop and order/fill channel handling
// is grounded on the teacher's internal/strategy/maker.go.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/config"
	"perparb/internal/exchange"
	"perparb/internal/quarantine"
	"perparb/pkg/types"
)

// Leg identifies one side of a two-legged trade for logging and
// repair bookkeeping.
type Leg int

const (
	LegBuy Leg = iota
	LegSell
)

func (l Leg) String() string {
	if l == LegBuy {
		return "buy"
	}
	return "sell"
}

// Request is the executor's input: the two venues/symbols/sides to
// trade, the quantity, and whether this is an opening or closing
// action (closing sets reduce_only on non-spot legs).
type Request struct {
	PairID      string
	Symbol      types.Symbol
	BuyVenue    types.Venue
	SellVenue   types.Venue
	Quantity    decimal.Decimal
	Closing     bool
	GridLevel   string
}

// Outcome is the result handed back to the orchestrator.
type Outcome struct {
	Success    bool
	BuyOrder   *types.OrderState
	SellOrder  *types.OrderState
	ActualQty  decimal.Decimal
	Reason     string
}

// Executor submits and monitors two-legged trades.
type Executor struct {
	cfg        config.ExecutorConfig
	adapters   map[types.Venue]exchange.Adapter
	quarantine *quarantine.Manager
	logger     *slog.Logger

	mu                sync.Mutex
	singleLegCounters map[string]int // keyed by venue+symbol

	orderWaiters sync.Map // orderID (string) -> chan types.OrderState
}

// New constructs an Executor over the given venue adapters.
func New(cfg config.ExecutorConfig, adapters map[types.Venue]exchange.Adapter, qm *quarantine.Manager, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:               cfg,
		adapters:          adapters,
		quarantine:        qm,
		logger:            logger.With("component", "executor"),
		singleLegCounters: make(map[string]int),
	}
}

// OnOrderPush feeds a terminal order-state push from a venue's
// user-data stream into any fill-wait task registered for that order
// id. Non-blocking: non-terminal pushes, and pushes for an order
// nobody is waiting on, are dropped.
func (e *Executor) OnOrderPush(st types.OrderState) {
	v, ok := e.orderWaiters.Load(st.OrderID)
	if !ok {
		return
	}
	ch := v.(chan types.OrderState)
	if !st.Status.IsTerminal() {
		return
	}
	select {
	case ch <- st:
	default:
	}
}

func (e *Executor) newClientID() string {
	// client ids are drawn from [2^63, 2^64) on the typed-data venue
	// per spec.md §4.8; a 64-bit random value in the upper half
	// satisfies that range for every venue uniformly.
	return fmt.Sprintf("%d", uint64(1<<63)|rand.Uint64()>>1)
}

func (e *Executor) marketTimeout() time.Duration {
	if e.cfg.MarketOrderTimeout > 0 {
		return e.cfg.MarketOrderTimeout
	}
	return 60 * time.Second
}

func (e *Executor) slippageFor(action string) decimal.Decimal {
	if pct, ok := e.cfg.SlippagePercent[action]; ok {
		return decimal.NewFromFloat(pct)
	}
	return decimal.NewFromFloat(0.5)
}

func (e *Executor) repairSlippageMult() decimal.Decimal {
	mult := e.cfg.RepairSlippageMult
	if mult <= 0 {
		mult = 50
	}
	return decimal.NewFromFloat(mult)
}

func (e *Executor) singleLegThreshold() int {
	if e.cfg.SingleLegThreshold > 0 {
		return e.cfg.SingleLegThreshold
	}
	return 3
}

// Execute runs the full two-legged submission, fill-wait, and repair
// protocol for req.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	buyAdapter, ok := e.adapters[req.BuyVenue]
	if !ok {
		return Outcome{}, fmt.Errorf("executor: no adapter registered for venue %s", req.BuyVenue)
	}
	sellAdapter, ok := e.adapters[req.SellVenue]
	if !ok {
		return Outcome{}, fmt.Errorf("executor: no adapter registered for venue %s", req.SellVenue)
	}

	var buyOrder, sellOrder types.OrderState
	var err error

	if req.BuyVenue == req.SellVenue && buyAdapter.SupportsBatchSubmit() {
		buyOrder, sellOrder, err = e.submitBatch(ctx, buyAdapter, req)
	} else {
		buyOrder, sellOrder, err = e.submitDualMarket(ctx, buyAdapter, sellAdapter, req)
	}
	if err != nil {
		if exchange.IsReduceOnlyViolation(err) {
			e.registerReduceOnlyEvent(req)
			return Outcome{Success: false, Reason: "reduce_only_violation"}, nil
		}
		return Outcome{}, err
	}

	buyOrder, sellOrder = e.awaitFills(ctx, req, buyOrder, sellOrder)

	return e.classifyAndRepair(ctx, req, buyOrder, sellOrder)
}

func (e *Executor) submitBatch(ctx context.Context, adapter exchange.Adapter, req Request) (types.OrderState, types.OrderState, error) {
	legs := [2]exchange.BatchLeg{
		{Symbol: req.Symbol, Side: types.Buy, Quantity: req.Quantity, ReduceOnly: req.Closing},
		{Symbol: req.Symbol, Side: types.Sell, Quantity: req.Quantity, ReduceOnly: req.Closing},
	}
	results, err := adapter.SubmitBatch(ctx, legs, e.slippageFor("batch"))
	if err != nil {
		return types.OrderState{}, types.OrderState{}, err
	}
	return results[0], results[1], nil
}

func (e *Executor) submitDualMarket(ctx context.Context, buyAdapter, sellAdapter exchange.Adapter, req Request) (types.OrderState, types.OrderState, error) {
	buyReq := exchange.OrderRequest{
		Symbol: req.Symbol, Side: types.Buy, Type: types.Market,
		Amount: req.Quantity, ClientID: e.newClientID(), ReduceOnly: req.Closing,
		SlippagePct: decimalPtr(e.slippageFor("open")),
	}
	sellReq := exchange.OrderRequest{
		Symbol: req.Symbol, Side: types.Sell, Type: types.Market,
		Amount: req.Quantity, ClientID: e.newClientID(), ReduceOnly: req.Closing,
		SlippagePct: decimalPtr(e.slippageFor("open")),
	}

	buyOrder, err := buyAdapter.CreateOrder(ctx, buyReq)
	if err != nil {
		return types.OrderState{}, types.OrderState{}, err
	}
	sellOrder, err := sellAdapter.CreateOrder(ctx, sellReq)
	if err != nil {
		return buyOrder, types.OrderState{}, err
	}
	return buyOrder, sellOrder, nil
}

// awaitFills waits on the buy order and then the sell order, each
// until it resolves or its own market_timeout elapses, so the total
// wait can reach twice market_timeout.
func (e *Executor) awaitFills(ctx context.Context, req Request, buyOrder, sellOrder types.OrderState) (types.OrderState, types.OrderState) {
	timeout := e.marketTimeout()
	buyOrder = e.awaitOne(ctx, req.BuyVenue, buyOrder, timeout)
	sellOrder = e.awaitOne(ctx, req.SellVenue, sellOrder, timeout)
	return buyOrder, sellOrder
}

func (e *Executor) awaitOne(ctx context.Context, venue types.Venue, order types.OrderState, timeout time.Duration) types.OrderState {
	if order.Status.IsTerminal() {
		return order
	}
	ch := make(chan types.OrderState, 1)
	e.orderWaiters.Store(order.OrderID, ch)
	defer e.orderWaiters.Delete(order.OrderID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case final := <-ch:
		return final
	case <-timer.C:
		latest, err := e.adapters[venue].GetOrder(ctx, order.OrderID, order.Symbol)
		if err != nil {
			return order
		}
		return latest
	case <-ctx.Done():
		return order
	}
}

// classifyAndRepair implements spec.md §4.8's fill-outcome table.
func (e *Executor) classifyAndRepair(ctx context.Context, req Request, buyOrder, sellOrder types.OrderState) (Outcome, error) {
	buyFilled := buyOrder.IsFilled()
	sellFilled := sellOrder.IsFilled()

	switch {
	case !buyFilled && !sellFilled:
		return Outcome{Success: false, BuyOrder: &buyOrder, SellOrder: &sellOrder, Reason: "both_legs_unfilled"}, nil

	case buyFilled && sellFilled:
		e.resetSingleLegCounter(req)
		actual := decimal.Min(buyOrder.Filled, sellOrder.Filled)
		e.logger.Info("two-legged fill succeeded", "pair_id", req.PairID, "symbol", req.Symbol, "quantity", actual)
		return Outcome{Success: true, BuyOrder: &buyOrder, SellOrder: &sellOrder, ActualQty: actual}, nil

	default:
		filledLeg, unfilledLeg, filledOrder := LegBuy, LegSell, buyOrder
		unfilledVenue := req.SellVenue
		unfilledSide := types.Sell
		if sellFilled {
			filledLeg, unfilledLeg, filledOrder = LegSell, LegBuy, sellOrder
			unfilledVenue = req.BuyVenue
			unfilledSide = types.Buy
		}
		return e.repair(ctx, req, filledLeg, unfilledLeg, unfilledVenue, unfilledSide, filledOrder, buyOrder, sellOrder)
	}
}

// repair resubmits the unfilled leg up to three times: two market
// attempts at 50x the normal slippage, then one aggressive IOC limit
// attempt at the same protective price, matching
// lighter_batch_executor.py's _handle_single_leg_fill exactly.
func (e *Executor) repair(ctx context.Context, req Request, filledLeg, unfilledLeg Leg, unfilledVenue types.Venue, unfilledSide types.Side, filledOrder, buyOrder, sellOrder types.OrderState) (Outcome, error) {
	adapter, ok := e.adapters[unfilledVenue]
	if !ok {
		return Outcome{}, fmt.Errorf("executor: no adapter registered for venue %s", unfilledVenue)
	}

	quantity := filledOrder.Filled
	protectiveSlippage := e.slippageFor("open").Mul(e.repairSlippageMult())
	timeout := e.marketTimeout()

	var repairOrder types.OrderState
	var repaired bool

	for attempt := 1; attempt <= 3; attempt++ {
		var order types.OrderState
		var err error

		if attempt < 3 {
			order, err = adapter.CreateOrder(ctx, exchange.OrderRequest{
				Symbol: req.Symbol, Side: unfilledSide, Type: types.Market,
				Amount: quantity, ClientID: e.newClientID(), ReduceOnly: req.Closing,
				SlippagePct: decimalPtr(protectiveSlippage),
			})
		} else {
			order, err = e.placeAggressiveLimit(ctx, adapter, req, unfilledSide, quantity, protectiveSlippage)
		}

		if err != nil {
			if exchange.IsReduceOnlyViolation(err) {
				e.registerReduceOnlyEvent(req)
				return Outcome{Success: false, Reason: "reduce_only_violation"}, nil
			}
			e.logger.Warn("repair attempt submission failed", "pair_id", req.PairID, "attempt", attempt, "error", err)
			continue
		}

		final := e.awaitOne(ctx, unfilledVenue, order, timeout)
		if final.IsFilled() {
			repairOrder = final
			repaired = true
			break
		}
		if attempt == 3 {
			_, _ = adapter.CancelOrder(ctx, final.OrderID, req.Symbol)
		}
	}

	if !repaired {
		e.quarantine.Defer(req.PairID, req.Symbol, quarantine.ManualInterventionMarker+": repair failed after 3 attempts",
			req.GridLevel, req.BuyVenue, req.SellVenue, probeLegsFor(req))
		return Outcome{Success: false, Reason: "manual_intervention_repair_failed"}, nil
	}

	if filledLeg == LegBuy {
		sellOrder = repairOrder
	} else {
		buyOrder = repairOrder
	}

	count := e.incrementSingleLegCounter(req)
	actual := decimal.Min(buyOrder.Filled, sellOrder.Filled)
	e.logger.Info("single-leg repair succeeded", "pair_id", req.PairID, "symbol", req.Symbol, "filled_leg", filledLeg, "repaired_leg", unfilledLeg, "quantity", actual)

	if count >= e.singleLegThreshold() {
		e.quarantine.Defer(req.PairID, req.Symbol,
			fmt.Sprintf("%s: %d consecutive single-leg fills", quarantine.ManualInterventionMarker, count),
			req.GridLevel, req.BuyVenue, req.SellVenue, probeLegsFor(req))
	}

	// The current attempt still counts as success regardless of the
	// counter-triggered defer above.
	return Outcome{Success: true, BuyOrder: &buyOrder, SellOrder: &sellOrder, ActualQty: actual}, nil
}

func (e *Executor) placeAggressiveLimit(ctx context.Context, adapter exchange.Adapter, req Request, side types.Side, quantity, protectiveSlippagePct decimal.Decimal) (types.OrderState, error) {
	book, err := adapter.GetOrderbook(ctx, req.Symbol, 1)
	if err != nil {
		return types.OrderState{}, err
	}
	var reference decimal.Decimal
	if side == types.Buy {
		reference = book.BestAsk.Price
	} else {
		reference = book.BestBid.Price
	}

	hundred := decimal.NewFromInt(100)
	offset := reference.Mul(protectiveSlippagePct).Div(hundred)
	var price decimal.Decimal
	if side == types.Buy {
		price = reference.Add(offset)
	} else {
		price = reference.Sub(offset)
	}

	return adapter.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: req.Symbol, Side: side, Type: types.IOC,
		Amount: quantity, Price: &price, ClientID: e.newClientID(), ReduceOnly: req.Closing,
	})
}

// registerReduceOnlyEvent defers the pair with the probe-pending flag
// set on both legs, per spec.md §4.8's reduce-only error handling.
func (e *Executor) registerReduceOnlyEvent(req Request) {
	e.quarantine.Defer(req.PairID, req.Symbol, "reduce_only_violation: probe pending", req.GridLevel,
		req.BuyVenue, req.SellVenue, probeLegsFor(req))
}

func probeLegsFor(req Request) []types.ProbeLeg {
	return []types.ProbeLeg{
		{Venue: req.BuyVenue, Symbol: req.Symbol},
		{Venue: req.SellVenue, Symbol: req.Symbol},
	}
}

func (e *Executor) counterKey(req Request) string {
	return string(req.BuyVenue) + ":" + string(req.SellVenue) + ":" + string(req.Symbol)
}

func (e *Executor) resetSingleLegCounter(req Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.singleLegCounters, e.counterKey(req))
}

func (e *Executor) incrementSingleLegCounter(req Request) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := e.counterKey(req)
	e.singleLegCounters[key]++
	return e.singleLegCounters[key]
}

// ProbeReduceOnlyLeg submits a minimum-quantity reduce-only probe
// order on venue/symbol and reports whether the venue accepted it,
// satisfying quarantine.LegProber for the probe scheduler.
func (e *Executor) ProbeReduceOnlyLeg(ctx context.Context, venue types.Venue, symbol types.Symbol, quantity, price decimal.Decimal) (bool, error) {
	adapter, ok := e.adapters[venue]
	if !ok {
		return false, fmt.Errorf("executor: no adapter registered for venue %s", venue)
	}

	order, err := adapter.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: symbol, Side: types.Sell, Type: types.Limit,
		Amount: quantity, Price: &price, ClientID: e.newClientID(), ReduceOnly: true,
	})
	if err != nil {
		if exchange.IsReduceOnlyViolation(err) {
			return false, nil
		}
		return false, err
	}

	_, _ = adapter.CancelOrder(ctx, order.OrderID, symbol)
	return true, nil
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
