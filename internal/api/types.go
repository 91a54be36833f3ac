// Package api holds the read-only status snapshot types an operator
// surface (CLI, log shipper, or a future dashboard) would render. Per
// spec.md's persisted-state and logging interfaces, the core engine
// exposes status as plain data; no HTTP server lives in this package —
// the teacher's dashboard server, handlers and SSE stream were
// dropped (see DESIGN.md) since nothing in this spec calls for an
// outward-facing web surface.
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/health"
	"perparb/pkg/types"
)

// VenueStatus is one venue's connection and freshness summary.
type VenueStatus struct {
	Venue          types.Venue `json:"venue"`
	Connected      bool        `json:"connected"`
	HealthySymbols int         `json:"healthy_symbols"`
	TotalSymbols   int         `json:"total_symbols"`
	ReconnectCount int         `json:"reconnect_count"`
}

// ExposureEntry is one symbol's net signed exposure across every
// connected venue, the tally the orchestrator can expose for
// observability without persisting it.
type ExposureEntry struct {
	Symbol     types.Symbol    `json:"symbol"`
	NetBase    decimal.Decimal `json:"net_base"`
	NetQuote   decimal.Decimal `json:"net_quote"`
}

// Snapshot is the full point-in-time status rendering: venue health,
// quarantined pairs, and aggregate exposure.
type Snapshot struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Venues      []VenueStatus           `json:"venues"`
	Quarantined []types.QuarantineState `json:"quarantined"`
	Exposure    []ExposureEntry         `json:"exposure"`
}

// FromHealthReports converts the health monitor's per-venue reports
// into the status surface's VenueStatus list.
func FromHealthReports(reports []health.VenueReport) []VenueStatus {
	out := make([]VenueStatus, 0, len(reports))
	for _, r := range reports {
		out = append(out, VenueStatus{
			Venue:          r.Venue,
			Connected:      r.HealthySymbols > 0,
			HealthySymbols: r.HealthySymbols,
			TotalSymbols:   r.TotalSymbols,
			ReconnectCount: r.ReconnectCount,
		})
	}
	return out
}
