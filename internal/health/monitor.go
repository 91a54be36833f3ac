// Package health implements C10: per-venue connection staleness
// detection and the bounded-attempt reconnect/resubscribe cycle that
// follows a majority-stale verdict, plus periodic health reporting.
//
// Grounded on the teacher's internal/exchange/ws.go reconnect loop
// (doubling backoff, re-subscription replay on reconnect), generalized
// here into an injectable, per-venue policy so the monitor can run the
// same staleness check against every venue's Adapter uniformly.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perparb/internal/config"
	"perparb/internal/exchange"
	"perparb/pkg/types"
)

// StalenessSource is the subset of the aggregator's read surface the
// monitor polls; narrow so this package has no compile-time dependency
// on the aggregator's concrete type.
type StalenessSource interface {
	LastArrival(venue types.Venue, symbol types.Symbol) (time.Time, bool)
}

// Resubscriber re-applies the full subscription set for a venue after
// a reconnect, one callback per (venue, symbol) as the orchestrator
// originally registered them.
type Resubscriber func(ctx context.Context, venue types.Venue) error

// VenueReport is one venue's snapshot at a health-check-log tick.
type VenueReport struct {
	Venue            types.Venue
	HealthySymbols   int
	TotalSymbols     int
	MinStalenessSecs float64
	MaxStalenessSecs float64
	ReconnectCount   int
}

// Monitor polls every configured venue's data freshness and drives
// reconnects when a venue goes majority-stale.
type Monitor struct {
	cfg       config.HealthConfig
	adapters  map[types.Venue]exchange.Adapter
	universe  map[types.Venue][]types.Symbol
	source    StalenessSource
	resub     Resubscriber
	logger    *slog.Logger
	startedAt time.Time

	mu              sync.Mutex
	reconnecting    map[types.Venue]bool
	reconnectCounts map[types.Venue]int
}

// New constructs a Monitor. universe maps each venue to the symbols it
// is expected to stream; resub is called once per venue after a
// reconnect to replay every subscription.
func New(cfg config.HealthConfig, adapters map[types.Venue]exchange.Adapter, universe map[types.Venue][]types.Symbol, source StalenessSource, resub Resubscriber, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:             cfg,
		adapters:        adapters,
		universe:        universe,
		source:          source,
		resub:           resub,
		logger:          logger.With("component", "health"),
		reconnecting:    make(map[types.Venue]bool),
		reconnectCounts: make(map[types.Venue]int),
	}
}

func (m *Monitor) checkInterval() time.Duration {
	if m.cfg.CheckInterval > 0 {
		return m.cfg.CheckInterval
	}
	return 45 * time.Second
}

func (m *Monitor) startupGrace() time.Duration {
	if m.cfg.StartupGrace > 0 {
		return m.cfg.StartupGrace
	}
	return 120 * time.Second
}

func (m *Monitor) dataTimeout() time.Duration {
	if m.cfg.DataTimeout > 0 {
		return m.cfg.DataTimeout
	}
	return 90 * time.Second
}

func (m *Monitor) maxReconnectAttempts() int {
	if m.cfg.MaxReconnectAttempts > 0 {
		return m.cfg.MaxReconnectAttempts
	}
	return 3
}

func (m *Monitor) logInterval() time.Duration {
	if m.cfg.HealthCheckLogInterval > 0 {
		return m.cfg.HealthCheckLogInterval
	}
	return 300 * time.Second
}

// Run starts the check loop and the periodic report loop; blocks until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.startedAt = time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runChecks(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runReports(ctx)
	}()
	wg.Wait()
}

func (m *Monitor) runChecks(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(m.startedAt) < m.startupGrace() {
				continue
			}
			for venue := range m.universe {
				m.checkVenue(ctx, venue)
			}
		}
	}
}

// checkVenue computes venue's staleness ratio and triggers a
// reconnect when it exceeds 0.5 and no reconnect is already running.
func (m *Monitor) checkVenue(ctx context.Context, venue types.Venue) {
	ratio, _, _ := m.staleness(venue)
	if ratio <= 0.5 {
		return
	}

	m.mu.Lock()
	if m.reconnecting[venue] {
		m.mu.Unlock()
		return
	}
	m.reconnecting[venue] = true
	m.mu.Unlock()

	go m.reconnect(ctx, venue)
}

// staleness returns (ratio, minAgeSeconds, maxAgeSeconds) across every
// symbol in venue's universe. A symbol with no arrival ever is treated
// as maximally stale.
func (m *Monitor) staleness(venue types.Venue) (ratio, minAge, maxAge float64) {
	symbols := m.universe[venue]
	if len(symbols) == 0 {
		return 0, 0, 0
	}
	timeout := m.dataTimeout()
	now := time.Now()

	stale := 0
	minAge = -1
	for _, sym := range symbols {
		last, ok := m.source.LastArrival(venue, sym)
		var age float64
		if !ok {
			stale++
			age = timeout.Seconds() * 10
		} else {
			d := now.Sub(last)
			age = d.Seconds()
			if d > timeout {
				stale++
			}
		}
		if minAge < 0 || age < minAge {
			minAge = age
		}
		if age > maxAge {
			maxAge = age
		}
	}
	if minAge < 0 {
		minAge = 0
	}
	return float64(stale) / float64(len(symbols)), minAge, maxAge
}

// reconnect runs the bounded reconnect policy: disconnect, backoff
// min(5*attempt, 30)s, reconnect, resubscribe. Exhaustion after
// maxReconnectAttempts leaves the venue degraded and logs the failure.
func (m *Monitor) reconnect(ctx context.Context, venue types.Venue) {
	defer func() {
		m.mu.Lock()
		m.reconnecting[venue] = false
		m.mu.Unlock()
	}()

	adapter, ok := m.adapters[venue]
	if !ok {
		return
	}

	for attempt := 1; attempt <= m.maxReconnectAttempts(); attempt++ {
		_ = adapter.Disconnect(ctx)

		backoff := time.Duration(attempt*5) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		if err := adapter.Connect(ctx); err != nil {
			m.logger.Warn("reconnect attempt failed", "venue", venue, "attempt", attempt, "error", err)
			continue
		}
		if err := m.resub(ctx, venue); err != nil {
			m.logger.Warn("resubscribe after reconnect failed", "venue", venue, "attempt", attempt, "error", err)
			continue
		}

		m.mu.Lock()
		m.reconnectCounts[venue]++
		m.mu.Unlock()
		m.logger.Info("venue reconnected", "venue", venue, "attempt", attempt)
		return
	}

	m.logger.Error("reconnect attempts exhausted, venue left degraded", "venue", venue, "attempts", m.maxReconnectAttempts())
}

func (m *Monitor) runReports(ctx context.Context) {
	ticker := time.NewTicker(m.logInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, report := range m.Reports() {
				m.logger.Info("venue health report", "venue", report.Venue,
					"healthy", report.HealthySymbols, "total", report.TotalSymbols,
					"min_staleness_s", report.MinStalenessSecs, "max_staleness_s", report.MaxStalenessSecs,
					"reconnect_count", report.ReconnectCount)
			}
		}
	}
}

// Reports returns the current per-venue snapshot, also exposed for the
// orchestrator's status surface.
func (m *Monitor) Reports() []VenueReport {
	out := make([]VenueReport, 0, len(m.universe))
	for venue, symbols := range m.universe {
		ratio, minAge, maxAge := m.staleness(venue)
		healthy := int(float64(len(symbols)) * (1 - ratio))
		m.mu.Lock()
		count := m.reconnectCounts[venue]
		m.mu.Unlock()
		out = append(out, VenueReport{
			Venue: venue, HealthySymbols: healthy, TotalSymbols: len(symbols),
			MinStalenessSecs: minAge, MaxStalenessSecs: maxAge, ReconnectCount: count,
		})
	}
	return out
}

// ScannerReconnectPolicy runs the unbounded, indefinitely-retrying
// reconnect used by the standalone grid scanner path (spec.md §4.10):
// same 5s-per-attempt backoff as the bounded policy but capped at
// 60s and never gives up. connect is called until it returns nil or
// ctx is cancelled.
func ScannerReconnectPolicy(ctx context.Context, connect func(context.Context) error, logger *slog.Logger) {
	attempt := 0
	for {
		attempt++
		if err := connect(ctx); err == nil {
			return
		} else {
			logger.Warn("scanner reconnect attempt failed", "attempt", attempt, "error", err)
		}

		backoff := time.Duration(attempt*5) * time.Second
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}
