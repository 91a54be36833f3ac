package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func newGates() *Gates {
	return New(config.RiskConfig{
		PriceStabilityWindowSeconds: 30,
		PriceStabilityThresholdPct:  map[string]float64{"default": 1.0},
		DualLimitRetryInitialDelay:  time.Second,
		DualLimitRetryMaxDelay:      8 * time.Second,
		DualLimitRetryBackoffFactor: 2.0,
	}, discardLogger())
}

func TestPassesPriceStabilityCollectingFailsWithSingleSample(t *testing.T) {
	t.Parallel()
	g := newGates()
	g.RecordPriceSample("BTC-USDC-PERP", dec("100"), dec("100.1"), time.Now())
	if g.PassesPriceStability("BTC-USDC-PERP") {
		t.Error("a single sample hasn't covered the window yet and must fail as collecting")
	}
}

func TestPassesPriceStabilityCollectingFailsBelowWindowCoverage(t *testing.T) {
	t.Parallel()
	g := newGates()
	now := time.Now()
	// Samples span only 29s; the configured window is 30s, so coverage
	// is still short even though two samples exist.
	g.RecordPriceSample("BTC-USDC-PERP", dec("100"), dec("100"), now.Add(-29*time.Second))
	g.RecordPriceSample("BTC-USDC-PERP", dec("100.1"), dec("100.1"), now)
	if g.PassesPriceStability("BTC-USDC-PERP") {
		t.Error("history spanning less than the configured window must fail as collecting")
	}
}

func TestPassesPriceStabilityDisabledWindowAlwaysPasses(t *testing.T) {
	t.Parallel()
	g := New(config.RiskConfig{
		PriceStabilityWindowSeconds: 0,
	}, discardLogger())
	if !g.PassesPriceStability("BTC-USDC-PERP") {
		t.Error("a disabled stability window must always pass, with no history at all")
	}
}

func TestPassesPriceStabilityWithinThreshold(t *testing.T) {
	t.Parallel()
	g := newGates()
	now := time.Now()
	g.RecordPriceSample("BTC-USDC-PERP", dec("100"), dec("100"), now.Add(-30*time.Second))
	g.RecordPriceSample("BTC-USDC-PERP", dec("100.5"), dec("100.4"), now)
	if !g.PassesPriceStability("BTC-USDC-PERP") {
		t.Error("0.5% move against a 1% threshold, spanning the full window, should pass")
	}
}

func TestPassesPriceStabilityBreachResetsHistory(t *testing.T) {
	t.Parallel()
	g := newGates()
	now := time.Now()
	g.RecordPriceSample("BTC-USDC-PERP", dec("100"), dec("100"), now.Add(-30*time.Second))
	g.RecordPriceSample("BTC-USDC-PERP", dec("105"), dec("100"), now)

	if g.PassesPriceStability("BTC-USDC-PERP") {
		t.Fatal("5% move against a 1% threshold should fail")
	}

	g.mu.Lock()
	remaining := len(g.priceHistory["BTC-USDC-PERP"])
	g.mu.Unlock()
	if remaining != 0 {
		t.Errorf("history should be cleared after a volatility breach, got %d samples", remaining)
	}
}

func TestPassesLiquidityMissingBookFails(t *testing.T) {
	t.Parallel()
	g := newGates()
	ok := g.PassesLiquidity("BTC-USDC-PERP", BookLeg{HasBook: false}, BookLeg{HasBook: true, Size: ptr(dec("10"))}, dec("1"))
	if ok {
		t.Error("a missing book must fail the liquidity gate, not be skipped")
	}
}

func TestPassesLiquidityNoSizeFieldSkipsCheck(t *testing.T) {
	t.Parallel()
	g := newGates()
	ok := g.PassesLiquidity("BTC-USDC-PERP", BookLeg{HasBook: true, Size: nil}, BookLeg{HasBook: true, Size: nil}, dec("1000"))
	if !ok {
		t.Error("a present book with no size field should pass through, not fail")
	}
}

func TestPassesLiquidityInsufficientDepthFails(t *testing.T) {
	t.Parallel()
	g := newGates()
	ok := g.PassesLiquidity("BTC-USDC-PERP",
		BookLeg{HasBook: true, Size: ptr(dec("0.5"))},
		BookLeg{HasBook: true, Size: ptr(dec("10"))},
		dec("1"))
	if ok {
		t.Error("buy leg with 0.5 available against a 1 requirement should fail")
	}
}

func TestDualLimitBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()
	g := newGates()

	if g.ShouldSkipDueToDualLimitBackoff("ark:vega:BTC-USDC-PERP") {
		t.Fatal("no backoff scheduled yet, should not skip")
	}

	g.ScheduleDualLimitBackoff("ark:vega:BTC-USDC-PERP")
	g.backoffMu.Lock()
	first := g.backoff["ark:vega:BTC-USDC-PERP"].delay
	g.backoffMu.Unlock()
	if first != time.Second {
		t.Errorf("initial delay = %v, want 1s", first)
	}

	g.ScheduleDualLimitBackoff("ark:vega:BTC-USDC-PERP")
	g.backoffMu.Lock()
	second := g.backoff["ark:vega:BTC-USDC-PERP"].delay
	g.backoffMu.Unlock()
	if second != 2*time.Second {
		t.Errorf("second delay = %v, want 2s", second)
	}

	for i := 0; i < 10; i++ {
		g.ScheduleDualLimitBackoff("ark:vega:BTC-USDC-PERP")
	}
	g.backoffMu.Lock()
	capped := g.backoff["ark:vega:BTC-USDC-PERP"].delay
	g.backoffMu.Unlock()
	if capped != 8*time.Second {
		t.Errorf("delay should cap at 8s, got %v", capped)
	}
}

func TestClearDualLimitBackoffRemovesState(t *testing.T) {
	t.Parallel()
	g := newGates()
	g.ScheduleDualLimitBackoff("ark:vega:BTC-USDC-PERP")
	g.ClearDualLimitBackoff("ark:vega:BTC-USDC-PERP")
	if g.ShouldSkipDueToDualLimitBackoff("ark:vega:BTC-USDC-PERP") {
		t.Error("cleared backoff should not cause a skip")
	}
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
