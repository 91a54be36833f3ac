// probe.go runs the hourly reduce-only probe pass that resumes
// quarantined pairs. Grounded exactly on original_source's
// core/reduce_only_probe_service.py: the wall-clock-aligned schedule
// (minute=0, second=5), the default probe size and price, and
// break-on-first-success semantics all follow that file. The
// scheduling mechanism itself uses github.com/robfig/cron/v3, adopted
// from the wider example pack's cron-based schedulers since the
// teacher repo has no equivalent wall-clock-aligned job.
package quarantine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"perparb/pkg/types"
)

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(timezone)
}

// LegProber probes a single reduce-only leg and reports whether it was
// accepted by the venue. The executor implements this against its
// live order-submission path.
type LegProber interface {
	ProbeReduceOnlyLeg(ctx context.Context, venue types.Venue, symbol types.Symbol, quantity, price decimal.Decimal) (bool, error)
}

// ProbeScheduler runs Manager's reduce-only probe pass once per hour,
// aligned to minute=0, second=5 of the wall clock (not five seconds
// after the scheduler starts).
type ProbeScheduler struct {
	mgr      *Manager
	prober   LegProber
	logger   *slog.Logger
	cron     *cron.Cron
	minQty   decimal.Decimal
	price    decimal.Decimal
}

// defaultProbeMinQuantity and defaultProbePrice mirror the Python
// service's literal defaults (min_qty=0.001, price=2000).
var (
	defaultProbeMinQuantity = decimal.RequireFromString("0.001")
	defaultProbePrice       = decimal.RequireFromString("2000")
)

// NewProbeScheduler constructs a scheduler. minQty/price of zero fall
// back to the Python service's literal defaults.
func NewProbeScheduler(mgr *Manager, prober LegProber, minQty, price decimal.Decimal, timezone string, logger *slog.Logger) (*ProbeScheduler, error) {
	if minQty.IsZero() {
		minQty = defaultProbeMinQuantity
	}
	if price.IsZero() {
		price = defaultProbePrice
	}

	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}

	c := cron.New(cron.WithLocation(loc), cron.WithSeconds())
	return &ProbeScheduler{
		mgr:    mgr,
		prober: prober,
		logger: logger.With("component", "quarantine_probe"),
		cron:   c,
		minQty: minQty,
		price:  price,
	}, nil
}

// Start registers the hourly job and starts the cron scheduler. The
// "5 0 * * * *" spec (seconds minutes hours dom month dow) fires at
// second=5, minute=0 of every hour, matching
// _compute_next_probe_time's replace(minute=0, second=5) rule exactly.
func (p *ProbeScheduler) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc("5 0 * * * *", func() {
		p.runProbes(ctx)
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (p *ProbeScheduler) Stop() {
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
}

// RunOnce executes a single probe pass immediately, bypassing the
// schedule; used by tests and by an operator-triggered manual probe.
func (p *ProbeScheduler) RunOnce(ctx context.Context) {
	p.runProbes(ctx)
}

func (p *ProbeScheduler) runProbes(ctx context.Context) {
	for _, st := range p.mgr.ListStates() {
		if p.probePair(ctx, st) {
			p.mgr.Resume(st.PairID)
		}
	}
}

// probePair tries every recorded leg in order and stops at the first
// accepted probe, per the Python service's break-on-first-success
// loop — a single accepted reduce-only order is enough evidence the
// venue is tradable again.
func (p *ProbeScheduler) probePair(ctx context.Context, st types.QuarantineState) bool {
	for _, leg := range st.ProbeLegs {
		ok, err := p.prober.ProbeReduceOnlyLeg(ctx, leg.Venue, leg.Symbol, p.minQty, p.price)
		if err != nil {
			p.logger.Warn("probe attempt errored", "pair_id", st.PairID, "venue", leg.Venue, "symbol", leg.Symbol, "error", err)
			continue
		}
		if ok {
			p.logger.Info("probe succeeded, resuming pair", "pair_id", st.PairID, "venue", leg.Venue, "symbol", leg.Symbol)
			return true
		}
	}
	return false
}
