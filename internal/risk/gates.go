// Package risk implements C7: the three independent pre-execution
// gates every opportunity must clear before the executor is allowed to
// touch it — price stability, opposing-side liquidity, and a per-pair
// dual-limit backoff.
//
// Grounded exactly on original_source's
// utils/risk_control_utils.py: the price-sample window, the
// volatility formula (max-min)/min*100, the liquidity epsilon check,
// and the doubling dual-limit backoff all follow that file's constants
// and control flow. The mutex+logger+throttled-state-log texture is
// grounded on the teacher's internal/risk/manager.go.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/config"
	"perparb/pkg/types"
)

// liquidityEpsilon absorbs floating-point noise in the
// available-vs-required comparison, mirroring the Python epsilon guard.
var liquidityEpsilon = decimal.NewFromFloat(1e-9)

const (
	throttlePriceStabilityCollecting = 30 * time.Second
	throttlePriceStabilityVolatile   = 60 * time.Second
	throttleLiquidityInsufficient    = 20 * time.Second
	throttleLiquidityOK              = 40 * time.Second
	throttleLiquiditySymbolAggregate = 15 * time.Second
)

// priceSample is one observation in a symbol's rolling stability window.
// Buy and sell leg prices are tracked separately since either leg
// moving past the threshold breaches stability.
type priceSample struct {
	priceBuy  decimal.Decimal
	priceSell decimal.Decimal
	at        time.Time
}

// throttledLogState tracks when a given (symbol, state) pair last
// logged, so repeated gate evaluations don't spam at scan frequency.
type throttledLogState struct {
	lastLoggedState string
	lastLoggedAt    time.Time
}

// Gates bundles the three risk checks and their shared state. One
// Gates instance is shared across the whole symbol universe; all
// methods are safe for concurrent use.
type Gates struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu            sync.Mutex
	priceHistory  map[types.Symbol][]priceSample
	stabilityLog  map[types.Symbol]*throttledLogState
	liquidityLog  map[types.Symbol]*throttledLogState

	backoffMu sync.Mutex
	backoff   map[string]backoffState // keyed by pair id
}

type backoffState struct {
	nextRetryAt time.Time
	delay       time.Duration
}

// New constructs a Gates from the static risk configuration.
func New(cfg config.RiskConfig, logger *slog.Logger) *Gates {
	return &Gates{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		priceHistory: make(map[types.Symbol][]priceSample),
		stabilityLog: make(map[types.Symbol]*throttledLogState),
		liquidityLog: make(map[types.Symbol]*throttledLogState),
		backoff:      make(map[string]backoffState),
	}
}

// RecordPriceSample appends a (buy price, sell price) observation to
// symbol's rolling window, evicting samples older than the retention
// window. With no configured window the history is simply capped at
// 60 samples, mirroring the collecting-forever case where the gate
// never evaluates volatility.
func (g *Gates) RecordPriceSample(symbol types.Symbol, priceBuy, priceSell decimal.Decimal, at time.Time) {
	window := time.Duration(g.cfg.PriceStabilityWindowSeconds) * time.Second

	g.mu.Lock()
	defer g.mu.Unlock()
	hist := append(g.priceHistory[symbol], priceSample{priceBuy: priceBuy, priceSell: priceSell, at: at})

	if window <= 0 {
		if len(hist) > 60 {
			hist = hist[len(hist)-60:]
		}
		g.priceHistory[symbol] = hist
		return
	}

	retention := window * 4
	if retention < 12*time.Second {
		retention = 12 * time.Second
	}
	cutoff := at.Add(-retention)
	kept := hist[:0]
	for _, s := range hist {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	g.priceHistory[symbol] = kept
}

// ResetPriceHistory clears symbol's rolling window, used after a
// volatility breach so the next window starts clean.
func (g *Gates) ResetPriceHistory(symbol types.Symbol) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.priceHistory, symbol)
}

// PassesPriceStability reports whether symbol's recent price history
// covers at least the configured window and has not moved more than
// its configured threshold anywhere within the window ending at the
// newest sample. A disabled
// window (window<=0 or no threshold configured) always passes. An
// empty or short-coverage history is the "collecting" state and fails
// the gate — the original's passes_price_stability only starts
// evaluating volatility once the log spans the full window. A breach
// resets the history so the next evaluation starts fresh.
func (g *Gates) PassesPriceStability(symbol types.Symbol) bool {
	window := time.Duration(g.cfg.PriceStabilityWindowSeconds) * time.Second
	threshold := g.thresholdFor(symbol)
	if window <= 0 || threshold.IsZero() {
		return true
	}

	g.mu.Lock()
	hist := append([]priceSample(nil), g.priceHistory[symbol]...)
	g.mu.Unlock()

	if len(hist) == 0 {
		g.logStabilityState(symbol, "collecting", throttlePriceStabilityCollecting)
		return false
	}

	now := time.Now()
	coverage := now.Sub(hist[0].at)
	if coverage < window {
		g.logStabilityState(symbol, "collecting", throttlePriceStabilityCollecting)
		return false
	}

	cutoff := hist[len(hist)-1].at.Add(-window)
	relevant := hist[:0:0]
	for _, s := range hist {
		if s.at.After(cutoff) || s.at.Equal(cutoff) {
			relevant = append(relevant, s)
		}
	}
	if len(relevant) == 0 {
		relevant = hist[len(hist)-1:]
	}

	volatilityBuy := volatilityPercent(relevant, func(s priceSample) decimal.Decimal { return s.priceBuy })
	volatilitySell := volatilityPercent(relevant, func(s priceSample) decimal.Decimal { return s.priceSell })

	if volatilityBuy.GreaterThan(threshold) || volatilitySell.GreaterThan(threshold) {
		g.logStabilityState(symbol, "volatile", throttlePriceStabilityVolatile)
		g.ResetPriceHistory(symbol)
		return false
	}
	return true
}

// thresholdFor resolves symbol's configured volatility threshold,
// falling back to the "default" entry. A zero result means the gate
// is disabled for this symbol.
func (g *Gates) thresholdFor(symbol types.Symbol) decimal.Decimal {
	threshold := decimal.NewFromFloat(g.cfg.PriceStabilityThresholdPct[string(symbol)])
	if threshold.IsZero() {
		threshold = decimal.NewFromFloat(g.cfg.PriceStabilityThresholdPct["default"])
	}
	return threshold
}

// volatilityPercent computes (max-min)/min*100 over the selected field
// of samples. Non-positive minimums report zero volatility rather than
// dividing by a non-positive number.
func volatilityPercent(samples []priceSample, field func(priceSample) decimal.Decimal) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	min, max := field(samples[0]), field(samples[0])
	for _, s := range samples[1:] {
		v := field(s)
		if v.LessThan(min) {
			min = v
		}
		if v.GreaterThan(max) {
			max = v
		}
	}
	if !min.IsPositive() {
		return decimal.Zero
	}
	return max.Sub(min).Div(min).Mul(decimal.NewFromInt(100))
}

func (g *Gates) logStabilityState(symbol types.Symbol, state string, throttle time.Duration) {
	g.mu.Lock()
	st, ok := g.stabilityLog[symbol]
	if !ok {
		st = &throttledLogState{}
		g.stabilityLog[symbol] = st
	}
	now := time.Now()
	shouldLog := st.lastLoggedState != state || now.Sub(st.lastLoggedAt) >= throttle
	if shouldLog {
		st.lastLoggedState = state
		st.lastLoggedAt = now
	}
	g.mu.Unlock()

	if shouldLog {
		g.logger.Info("price stability state", "symbol", symbol, "state", state)
	}
}

// BookLeg is the minimal (size) view of one side of one venue's book
// the liquidity gate needs; a nil Size means the venue never reports
// depth for this book and the check is skipped, not failed.
type BookLeg struct {
	HasBook bool
	Size    *decimal.Decimal
}

// PassesLiquidity verifies both legs of a candidate trade have at
// least requiredQty of opposing-side depth. A missing book fails the
// check; a present book with no size field present passes (the venue
// doesn't expose depth, so it cannot be enforced here).
func (g *Gates) PassesLiquidity(symbol types.Symbol, buyLeg, sellLeg BookLeg, requiredQty decimal.Decimal) bool {
	buyOK := g.checkLeg(buyLeg, requiredQty)
	sellOK := g.checkLeg(sellLeg, requiredQty)
	ok := buyOK && sellOK

	state := "insufficient"
	throttle := throttleLiquidityInsufficient
	if ok {
		state = "ok"
		throttle = throttleLiquidityOK
	}
	g.logLiquidityState(symbol, state, throttle)
	return ok
}

func (g *Gates) checkLeg(leg BookLeg, requiredQty decimal.Decimal) bool {
	if !leg.HasBook {
		return false
	}
	if leg.Size == nil {
		return true
	}
	available := *leg.Size
	return available.Add(liquidityEpsilon).GreaterThanOrEqual(requiredQty)
}

func (g *Gates) logLiquidityState(symbol types.Symbol, state string, throttle time.Duration) {
	g.mu.Lock()
	st, ok := g.liquidityLog[symbol]
	if !ok {
		st = &throttledLogState{}
		g.liquidityLog[symbol] = st
	}
	now := time.Now()
	shouldLog := st.lastLoggedState != state || now.Sub(st.lastLoggedAt) >= throttle
	if shouldLog {
		st.lastLoggedState = state
		st.lastLoggedAt = now
	}
	g.mu.Unlock()

	if shouldLog {
		g.logger.Info("liquidity gate state", "symbol", symbol, "state", state, "throttle_class", throttleLiquiditySymbolAggregate)
	}
}

// ShouldSkipDueToDualLimitBackoff reports whether pairID is currently
// inside its backoff window and should not be retried yet.
func (g *Gates) ShouldSkipDueToDualLimitBackoff(pairID string) bool {
	g.backoffMu.Lock()
	defer g.backoffMu.Unlock()
	st, ok := g.backoff[pairID]
	if !ok {
		return false
	}
	return time.Now().Before(st.nextRetryAt)
}

// ScheduleDualLimitBackoff doubles pairID's retry delay (starting from
// DualLimitRetryInitialDelay, capped at DualLimitRetryMaxDelay) and
// arms the next-retry deadline, called after a dual-limit order leg
// fails to fill.
func (g *Gates) ScheduleDualLimitBackoff(pairID string) {
	initial := g.cfg.DualLimitRetryInitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := g.cfg.DualLimitRetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	factor := g.cfg.DualLimitRetryBackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	g.backoffMu.Lock()
	defer g.backoffMu.Unlock()
	st, ok := g.backoff[pairID]
	if !ok {
		st = backoffState{delay: initial}
	} else {
		next := time.Duration(float64(st.delay) * factor)
		if next > maxDelay {
			next = maxDelay
		}
		st.delay = next
	}
	st.nextRetryAt = time.Now().Add(st.delay)
	g.backoff[pairID] = st
}

// ClearDualLimitBackoff resets pairID's backoff state after a
// successful fill.
func (g *Gates) ClearDualLimitBackoff(pairID string) {
	g.backoffMu.Lock()
	defer g.backoffMu.Unlock()
	delete(g.backoff, pairID)
}
