package exchange

import (
	"sync"

	"github.com/shopspring/decimal"

	"perparb/pkg/types"
)

// InstrumentCache is the in-memory instrument-metadata store every
// venue adapter owns: loaded on first connect, refreshed lazily,
// never destroyed while the process runs. It is safe for concurrent
// use; reads see a consistent snapshot per symbol (atomic
// replacement, not in-place mutation), matching the aggregator's
// cache-ownership discipline.
type InstrumentCache struct {
	mu    sync.RWMutex
	byKey map[types.Symbol]types.InstrumentMeta
}

// NewInstrumentCache creates an empty cache.
func NewInstrumentCache() *InstrumentCache {
	return &InstrumentCache{byKey: make(map[types.Symbol]types.InstrumentMeta)}
}

// Put stores or replaces the metadata for one symbol.
func (c *InstrumentCache) Put(m types.InstrumentMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[m.Symbol] = m
}

// Get returns the cached metadata for sym, or ErrInstrumentNotFound.
func (c *InstrumentCache) Get(sym types.Symbol) (types.InstrumentMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byKey[sym]
	if !ok {
		return types.InstrumentMeta{}, ErrInstrumentNotFound
	}
	return m, nil
}

// All returns a snapshot slice of every cached instrument.
func (c *InstrumentCache) All() []types.InstrumentMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.InstrumentMeta, 0, len(c.byKey))
	for _, m := range c.byKey {
		out = append(out, m)
	}
	return out
}

// FormatQuantity truncates qty down to the instrument's step size and
// returns the string form a venue's order payload expects — truncation,
// never rounding up, per the precision rule in §4.2.
func FormatQuantity(m types.InstrumentMeta, qty decimal.Decimal) string {
	truncated := types.TruncateToStep(qty, m.StepSize)
	return truncated.StringFixed(m.QuantityDecimals())
}

// FormatPrice truncates price down to the instrument's tick size and
// returns the string form a venue's order payload expects.
func FormatPrice(m types.InstrumentMeta, price decimal.Decimal) string {
	truncated := types.TruncateToStep(price, m.TickSize)
	return truncated.StringFixed(m.PriceDecimals())
}

// ScaleForSignature scales a decimal amount by 10^exp and truncates to
// an integer, the representation typed-data order signatures embed
// (contract size scaled by 10^base_decimals, limit price scaled by
// 10^9 per §4.2).
func ScaleForSignature(v decimal.Decimal, exp int32) decimal.Decimal {
	scale := decimal.New(1, exp)
	return v.Mul(scale).Truncate(0)
}
