// Package aggregator is the market-data fan-in for every configured
// venue (C5). It owns the ticker/book caches exclusively: nothing
// outside this package mutates them, and every read is a consistent
// per-(venue,symbol) snapshot obtained by atomic replacement, never
// in-place mutation.
//
// The ingestion path is two queues and two workers, per spec.md §4.5:
//
//  1. WebSocket callbacks enqueue a raw sample into a bounded channel
//     (capacity from config.Aggregator.IngestQueueCapacity); on
//     overflow the newest arrival is dropped with a throttled warning.
//  2. A processor goroutine drains the queue in batches (up to
//     ProcessorBatchSize per tick), updates the caches, and stamps
//     arrival time. It does no analysis.
//  3. An analysis goroutine runs at AnalysisInterval (~100Hz default)
//     and publishes scan results to a bounded, evict-before-publish
//     result channel so downstream consumers only ever see the latest
//     scan.
//
// Grounded on the teacher's internal/market/book.go (RWMutex
// snapshot-replace cache, IsStale/LastUpdated) for the cache half; the
// dual-queue pipeline shape has no direct teacher analogue and follows
// the bounded-buffering idiom the wider example pack uses for
// high-frequency market data fan-in.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perparb/internal/config"
	"perparb/pkg/types"
)

// sample is the raw unit of work the ingest queue carries; exactly one
// of Ticker/Book is non-nil.
type sample struct {
	venue       types.Venue
	symbol      types.Symbol
	ticker      *types.TickerSnapshot
	book        *types.OrderBookTop
	arrivalTime time.Time
}

type bookKey struct {
	venue  types.Venue
	symbol types.Symbol
}

// ScanFunc computes the downstream result to publish at each analysis
// tick (the opportunity detector in production; injected so this
// package has no compile-time dependency on the detector package).
type ScanFunc func(a *Aggregator) []types.ArbitrageOpportunity

// Aggregator fans in WebSocket ticker/book pushes from every venue,
// tracks freshness, and runs the high-frequency analysis loop.
type Aggregator struct {
	cfg    config.AggregatorConfig
	logger *slog.Logger

	ingestCh chan sample
	resultCh chan []types.ArbitrageOpportunity

	scan ScanFunc

	mu      sync.RWMutex
	tickers map[bookKey]types.TickerSnapshot
	books   map[bookKey]types.OrderBookTop
	arrival map[bookKey]time.Time

	dropMu       sync.Mutex
	lastDropWarn time.Time

	wg sync.WaitGroup
}

// New creates an Aggregator. scan may be nil until SetScanFunc is
// called (the orchestrator wires the detector in after construction to
// avoid an import cycle between aggregator and detector).
func New(cfg config.AggregatorConfig, logger *slog.Logger) *Aggregator {
	ingestCap := cfg.IngestQueueCapacity
	if ingestCap <= 0 {
		ingestCap = 500
	}
	resultCap := cfg.ResultQueueCapacity
	if resultCap <= 0 {
		resultCap = 100
	}
	return &Aggregator{
		cfg:      cfg,
		logger:   logger.With("component", "aggregator"),
		ingestCh: make(chan sample, ingestCap),
		resultCh: make(chan []types.ArbitrageOpportunity, resultCap),
		tickers:  make(map[bookKey]types.TickerSnapshot),
		books:    make(map[bookKey]types.OrderBookTop),
		arrival:  make(map[bookKey]time.Time),
	}
}

// SetScanFunc installs the function the analysis worker calls each
// tick. Must be called before Run.
func (a *Aggregator) SetScanFunc(fn ScanFunc) {
	a.scan = fn
}

// Results returns the bounded channel of published opportunity scans.
func (a *Aggregator) Results() <-chan []types.ArbitrageOpportunity {
	return a.resultCh
}

// PushTicker enqueues a ticker push for ingestion. Non-blocking: on a
// full queue the newest sample is dropped and a throttled warning is
// logged (at most once per second).
func (a *Aggregator) PushTicker(venue types.Venue, t types.TickerSnapshot) {
	a.enqueue(sample{venue: venue, symbol: t.Symbol, ticker: &t, arrivalTime: time.Now()})
}

// PushBook enqueues a book-top push for ingestion.
func (a *Aggregator) PushBook(venue types.Venue, b types.OrderBookTop) {
	a.enqueue(sample{venue: venue, symbol: b.Symbol, book: &b, arrivalTime: time.Now()})
}

func (a *Aggregator) enqueue(s sample) {
	select {
	case a.ingestCh <- s:
	default:
		a.warnDrop()
	}
}

func (a *Aggregator) warnDrop() {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	now := time.Now()
	if now.Sub(a.lastDropWarn) < time.Second {
		return
	}
	a.lastDropWarn = now
	a.logger.Warn("ingest queue full, dropping newest sample")
}

// Run starts the processor and analysis workers; blocks until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.runProcessor(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.runAnalysis(ctx)
	}()
	a.wg.Wait()
}

func (a *Aggregator) runProcessor(ctx context.Context) {
	batchSize := a.cfg.ProcessorBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-a.ingestCh:
			a.applySample(s)
			for i := 1; i < batchSize; i++ {
				select {
				case s2 := <-a.ingestCh:
					a.applySample(s2)
				default:
					i = batchSize
				}
			}
		}
	}
}

// applySample validates the sample per spec.md §4.5's silent-drop
// rules, then atomically replaces the cache entry and arrival time.
func (a *Aggregator) applySample(s sample) {
	key := bookKey{venue: s.venue, symbol: s.symbol}

	if s.ticker != nil {
		t := *s.ticker
		t.ArrivalTime = s.arrivalTime
		a.mu.Lock()
		a.tickers[key] = t
		a.arrival[key] = s.arrivalTime
		a.mu.Unlock()
		return
	}

	if s.book != nil {
		b := *s.book
		if !b.HasBid || !b.HasAsk {
			return
		}
		if !b.BestBid.Price.IsPositive() || !b.BestAsk.Price.IsPositive() {
			return
		}
		if !b.BestBid.Price.LessThan(b.BestAsk.Price) {
			a.logger.Error("invariant violation: best_bid >= best_ask, discarding sample",
				"venue", s.venue, "symbol", s.symbol)
			return
		}
		b.ArrivalTime = s.arrivalTime
		a.mu.Lock()
		a.books[key] = b
		a.arrival[key] = s.arrivalTime
		a.mu.Unlock()
	}
}

func (a *Aggregator) runAnalysis(ctx context.Context) {
	interval := a.cfg.AnalysisInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.scan == nil {
				continue
			}
			opps := a.scan(a)
			a.publish(opps)
		}
	}
}

// publish evicts any stale result before publishing so readers only
// ever observe the latest scan, per spec.md §4.5.
func (a *Aggregator) publish(opps []types.ArbitrageOpportunity) {
	select {
	case a.resultCh <- opps:
		return
	default:
	}
	select {
	case <-a.resultCh:
	default:
	}
	select {
	case a.resultCh <- opps:
	default:
	}
}

// GetTicker returns the cached ticker for (venue, symbol) if fresh
// within maxAge, the freshness query every consumer goes through.
func (a *Aggregator) GetTicker(venue types.Venue, symbol types.Symbol, maxAge time.Duration) (types.TickerSnapshot, bool) {
	key := bookKey{venue: venue, symbol: symbol}
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tickers[key]
	if !ok {
		return types.TickerSnapshot{}, false
	}
	if time.Since(a.arrival[key]) > maxAge {
		return types.TickerSnapshot{}, false
	}
	return t, true
}

// GetBook returns the cached book top for (venue, symbol) if fresh
// within maxAge.
func (a *Aggregator) GetBook(venue types.Venue, symbol types.Symbol, maxAge time.Duration) (types.OrderBookTop, bool) {
	key := bookKey{venue: venue, symbol: symbol}
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.books[key]
	if !ok {
		return types.OrderBookTop{}, false
	}
	if time.Since(a.arrival[key]) > maxAge {
		return types.OrderBookTop{}, false
	}
	return b, true
}

// BooksForSymbol returns every venue's fresh book top for symbol, the
// per-symbol gather step the detector runs each scan.
func (a *Aggregator) BooksForSymbol(symbol types.Symbol, venues []types.Venue, maxAge time.Duration) map[types.Venue]types.OrderBookTop {
	out := make(map[types.Venue]types.OrderBookTop)
	now := time.Now()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, v := range venues {
		key := bookKey{venue: v, symbol: symbol}
		b, ok := a.books[key]
		if !ok {
			continue
		}
		if now.Sub(a.arrival[key]) > maxAge {
			continue
		}
		out[v] = b
	}
	return out
}

// TickersForSymbol returns every venue's fresh ticker for symbol.
func (a *Aggregator) TickersForSymbol(symbol types.Symbol, venues []types.Venue, maxAge time.Duration) map[types.Venue]types.TickerSnapshot {
	out := make(map[types.Venue]types.TickerSnapshot)
	now := time.Now()
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, v := range venues {
		key := bookKey{venue: v, symbol: symbol}
		t, ok := a.tickers[key]
		if !ok {
			continue
		}
		if now.Sub(a.arrival[key]) > maxAge {
			continue
		}
		out[v] = t
	}
	return out
}

// LastArrival returns when (venue, symbol) last received any sample,
// the raw staleness signal the health monitor polls. The bool is false
// if no sample has ever arrived.
func (a *Aggregator) LastArrival(venue types.Venue, symbol types.Symbol) (time.Time, bool) {
	key := bookKey{venue: venue, symbol: symbol}
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.arrival[key]
	return t, ok
}
