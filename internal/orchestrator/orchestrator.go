// Package orchestrator implements C11: the unified lifecycle owner
// that wires the aggregator, detector, risk gates, quarantine manager,
// probe scheduler, health monitor and executor together and runs the
// opportunity scan loop.
//
// Grounded exactly on the teacher's internal/engine/engine.go for the
// New/Start/Stop lifecycle shape: a context/cancel/WaitGroup triple,
// one goroutine per subsystem launched with `wg.Add(1); go func(){
// defer wg.Done(); ... }()`, and reverse-order cancellation on Stop.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/aggregator"
	"perparb/internal/config"
	"perparb/internal/detector"
	"perparb/internal/exchange"
	"perparb/internal/executor"
	"perparb/internal/health"
	"perparb/internal/quarantine"
	"perparb/internal/risk"
	"perparb/pkg/types"
)

// Orchestrator owns every subsystem's lifecycle and runs the scan loop
// that turns detected opportunities into executor calls.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger

	adapters map[types.Venue]exchange.Adapter

	agg        *aggregator.Aggregator
	det        *detector.Detector
	gates      *risk.Gates
	quarantine *quarantine.Manager
	exec       *executor.Executor
	probes     *quarantine.ProbeScheduler
	monitor    *health.Monitor

	currentGrid string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every subsystem from cfg and the resolved venue adapters.
// universe maps each venue to the symbols it trades.
func New(cfg config.Config, adapters map[types.Venue]exchange.Adapter, universe map[types.Venue][]types.Symbol, logger *slog.Logger) (*Orchestrator, error) {
	logger = logger.With("component", "orchestrator")

	agg := aggregator.New(cfg.Aggregator, logger)

	symbols := make([]types.Symbol, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, types.Symbol(s))
	}
	venues := make([]types.Venue, 0, len(adapters))
	for v := range adapters {
		venues = append(venues, v)
	}

	maxAge := time.Duration(cfg.Aggregator.DataFreshnessSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}

	det := &detector.Detector{
		Symbols:              symbols,
		Venues:                venues,
		MaxBookAge:           maxAge,
		PriceSpreadThreshold: decimal.NewFromFloat(cfg.PriceSpreadThreshold),
		FundingThreshold:     decimal.NewFromFloat(cfg.FundingRateThreshold),
	}
	agg.SetScanFunc(func(a *aggregator.Aggregator) []types.ArbitrageOpportunity {
		return det.Scan(a)
	})

	gates := risk.New(cfg.Risk, logger)
	qm := quarantine.New(cfg.Quarantine.ManualInterventionAutoResume, logger)
	exec := executor.New(cfg.Executor, adapters, qm, logger)

	probes, err := quarantine.NewProbeScheduler(qm, exec,
		decimal.NewFromFloat(cfg.Quarantine.ProbeMinQuantity),
		decimal.NewFromFloat(cfg.Quarantine.ProbePrice),
		cfg.Quarantine.Timezone, logger)
	if err != nil {
		return nil, err
	}

	monitor := health.New(cfg.Health, adapters, universe, agg, resubscriberFor(adapters, agg), logger)

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		adapters:   adapters,
		agg:        agg,
		det:        det,
		gates:      gates,
		quarantine: qm,
		exec:       exec,
		probes:     probes,
		monitor:    monitor,
	}, nil
}

// resubscriberFor builds the health monitor's post-reconnect
// resubscribe callback: re-register every ticker/book callback for the
// venue so the aggregator keeps receiving pushes after a reconnect.
func resubscriberFor(adapters map[types.Venue]exchange.Adapter, agg *aggregator.Aggregator) health.Resubscriber {
	return func(ctx context.Context, venue types.Venue) error {
		adapter, ok := adapters[venue]
		if !ok {
			return nil
		}
		symbols, err := adapter.GetSupportedSymbols(ctx)
		if err != nil {
			return err
		}
		for _, sym := range symbols {
			sym := sym
			if err := adapter.SubscribeTicker(sym, func(t types.TickerSnapshot) { agg.PushTicker(venue, t) }); err != nil {
				return err
			}
			if err := adapter.SubscribeOrderbook(sym, func(b types.OrderBookTop) { agg.PushBook(venue, b) }); err != nil {
				return err
			}
		}
		return nil
	}
}

// Start connects every adapter, then launches the aggregator, health
// monitor, probe scheduler, and scan loop, in that order.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	for venue, adapter := range o.adapters {
		if err := adapter.Connect(o.ctx); err != nil {
			return err
		}
		if err := adapter.Authenticate(o.ctx); err != nil {
			return err
		}
		adapter.SubscribeUserData(func(st types.OrderState) {
			o.exec.OnOrderPush(st)
		})
		o.logger.Info("venue connected", "venue", venue)
	}

	if err := o.resubscribeAll(); err != nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.agg.Run(o.ctx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.monitor.Run(o.ctx)
	}()

	if err := o.probes.Start(o.ctx); err != nil {
		return err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runScanLoop(o.ctx)
	}()

	return nil
}

func (o *Orchestrator) resubscribeAll() error {
	resub := resubscriberFor(o.adapters, o.agg)
	for venue := range o.adapters {
		if err := resub(o.ctx, venue); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels every task in reverse dependency order, awaits
// completion, and disconnects every adapter.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.probes.Stop()
	o.cancel()
	o.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for venue, adapter := range o.adapters {
		if err := adapter.Disconnect(ctx); err != nil {
			o.logger.Warn("adapter disconnect failed", "venue", venue, "error", err)
		}
	}
}

// runScanLoop consumes the aggregator's published opportunity scans
// and, for each opportunity that clears quarantine and the risk gates,
// hands it to the executor.
func (o *Orchestrator) runScanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case opps, ok := <-o.agg.Results():
			if !ok {
				return
			}
			for _, opp := range opps {
				o.handleOpportunity(ctx, opp)
			}
		}
	}
}

func (o *Orchestrator) handleOpportunity(ctx context.Context, opp types.ArbitrageOpportunity) {
	if opp.PriceSpread == nil {
		return
	}

	pairID := string(opp.PriceSpread.BuyVenue) + ":" + string(opp.PriceSpread.SellVenue) + ":" + string(opp.Symbol)

	if blocked, _ := o.quarantine.ShouldBlock(pairID, o.currentGrid); blocked {
		return
	}
	if o.gates.ShouldSkipDueToDualLimitBackoff(pairID) {
		return
	}

	o.gates.RecordPriceSample(opp.Symbol, opp.PriceSpread.PriceBuy, opp.PriceSpread.PriceSell, time.Now())
	if !o.gates.PassesPriceStability(opp.Symbol) {
		return
	}

	quantity := decimal.Min(opp.PriceSpread.SizeBuy, opp.PriceSpread.SizeSell)
	if quantity.IsZero() {
		return
	}

	if !o.gates.PassesLiquidity(opp.Symbol, o.buyLegBook(opp.PriceSpread.BuyVenue, opp.Symbol), o.sellLegBook(opp.PriceSpread.SellVenue, opp.Symbol), quantity) {
		return
	}

	req := executor.Request{
		PairID:    pairID,
		Symbol:    opp.Symbol,
		BuyVenue:  opp.PriceSpread.BuyVenue,
		SellVenue: opp.PriceSpread.SellVenue,
		Quantity:  quantity,
		GridLevel: o.currentGrid,
	}

	out, err := o.exec.Execute(ctx, req)
	if err != nil {
		o.logger.Error("execution failed", "pair_id", pairID, "error", err)
		return
	}
	if !out.Success {
		o.gates.ScheduleDualLimitBackoff(pairID)
		return
	}
	o.gates.ClearDualLimitBackoff(pairID)
}

// buyLegBook reads venue's fresh ask-side depth for symbol: buying
// this leg crosses the ask, so the opposing-side liquidity the gate
// must check is the ask size.
func (o *Orchestrator) buyLegBook(venue types.Venue, symbol types.Symbol) risk.BookLeg {
	book, ok := o.agg.GetBook(venue, symbol, o.det.MaxBookAge)
	if !ok || !book.HasAsk {
		return risk.BookLeg{HasBook: false}
	}
	size := book.BestAsk.Size
	return risk.BookLeg{HasBook: true, Size: &size}
}

// sellLegBook reads venue's fresh bid-side depth for symbol: selling
// this leg hits the bid, so the opposing-side liquidity the gate must
// check is the bid size.
func (o *Orchestrator) sellLegBook(venue types.Venue, symbol types.Symbol) risk.BookLeg {
	book, ok := o.agg.GetBook(venue, symbol, o.det.MaxBookAge)
	if !ok || !book.HasBid {
		return risk.BookLeg{HasBook: false}
	}
	size := book.BestBid.Size
	return risk.BookLeg{HasBook: true, Size: &size}
}

// SetGridLevel updates the grid level the next scan cycle evaluates
// quarantine and repair decisions against.
func (o *Orchestrator) SetGridLevel(grid string) {
	o.currentGrid = grid
}
