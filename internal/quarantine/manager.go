// Package quarantine implements C9: the defer/resume state machine
// that takes a (pair, symbol) out of active trading after a failed
// repair, and the hourly reduce-only probe scheduler that brings it
// back.
//
// manager.go is grounded exactly on original_source's
// state/symbol_state_manager.py: the manual-intervention marker
// string, the 1800s auto-resume window, the grid-level-change
// auto-resume rule, and the 20s-throttled defer/resume logging all
// follow that file. The mutex+logger shape follows the teacher's
// internal/risk/manager.go.
package quarantine

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"perparb/pkg/types"
)

// ManualInterventionMarker prefixes a defer reason that requires a
// human to clear the state rather than an automatic grid-level change;
// it still auto-resumes after ManualInterventionAutoResume.
const ManualInterventionMarker = "manual_intervention"

// ManualInterventionAutoResume is the fallback default when
// config.Quarantine.ManualInterventionAutoResume is unset.
const ManualInterventionAutoResume = 1800 * time.Second

const throttleDeferResume = 20 * time.Second

// Manager owns every pair's quarantine state. Safe for concurrent use.
type Manager struct {
	logger     *slog.Logger
	autoResume time.Duration

	mu     sync.Mutex
	states map[string]*types.QuarantineState

	lastDeferLog  map[string]time.Time
	lastResumeLog map[string]time.Time
}

// New constructs a Manager. autoResume <= 0 falls back to
// ManualInterventionAutoResume.
func New(autoResume time.Duration, logger *slog.Logger) *Manager {
	if autoResume <= 0 {
		autoResume = ManualInterventionAutoResume
	}
	return &Manager{
		logger:        logger.With("component", "quarantine"),
		autoResume:    autoResume,
		states:        make(map[string]*types.QuarantineState),
		lastDeferLog:  make(map[string]time.Time),
		lastResumeLog: make(map[string]time.Time),
	}
}

// Defer puts pairID into the WAITING state with reason, recording the
// legs a probe must later confirm before resuming. Logging is
// throttled to once per throttleDeferResume per pair.
func (m *Manager) Defer(pairID string, symbol types.Symbol, reason, gridLevel string, buy, sell types.Venue, probeLegs []types.ProbeLeg) {
	now := time.Now()
	m.mu.Lock()
	m.states[pairID] = &types.QuarantineState{
		PairID:       pairID,
		Symbol:       symbol,
		Status:       types.QuarantineWaiting,
		Reason:       reason,
		GridLevel:    gridLevel,
		ExchangeBuy:  buy,
		ExchangeSell: sell,
		UpdatedAt:    now,
		ProbeLegs:    probeLegs,
	}
	shouldLog := now.Sub(m.lastDeferLog[pairID]) >= throttleDeferResume
	if shouldLog {
		m.lastDeferLog[pairID] = now
	}
	m.mu.Unlock()

	if shouldLog {
		m.logger.Warn("pair deferred", "pair_id", pairID, "symbol", symbol, "reason", reason)
	}
}

// Resume clears pairID's quarantine state, called once a probe
// confirms the legs are tradable again.
func (m *Manager) Resume(pairID string) {
	now := time.Now()
	m.mu.Lock()
	delete(m.states, pairID)
	shouldLog := now.Sub(m.lastResumeLog[pairID]) >= throttleDeferResume
	if shouldLog {
		m.lastResumeLog[pairID] = now
	}
	m.mu.Unlock()

	if shouldLog {
		m.logger.Info("pair resumed", "pair_id", pairID)
	}
}

// ShouldBlock reports whether pairID is currently quarantined for
// currentGrid. Per symbol_state_manager.py's should_block:
//   - a manual-intervention reason blocks until autoResume elapses,
//     then auto-resumes;
//   - otherwise, a grid-level change from the deferred level
//     auto-resumes immediately (the grid shift already invalidated the
//     reason the pair was deferred for);
//   - otherwise the pair stays blocked.
//
// Returns (blocked, state) where state is the (possibly now-stale)
// record at the time of the call.
func (m *Manager) ShouldBlock(pairID, currentGrid string) (bool, types.QuarantineState) {
	m.mu.Lock()
	st, ok := m.states[pairID]
	if !ok {
		m.mu.Unlock()
		return false, types.QuarantineState{}
	}
	snapshot := *st
	m.mu.Unlock()

	if strings.HasPrefix(snapshot.Reason, ManualInterventionMarker) {
		if time.Since(snapshot.UpdatedAt) >= m.autoResume {
			m.Resume(pairID)
			return false, snapshot
		}
		return true, snapshot
	}

	if currentGrid != "" && currentGrid != snapshot.GridLevel {
		m.Resume(pairID)
		return false, snapshot
	}

	return true, snapshot
}

// ListStates returns a snapshot of every currently quarantined pair,
// for the health/status surface.
func (m *Manager) ListStates() []types.QuarantineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.QuarantineState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	return out
}

// Get returns pairID's current state, if any.
func (m *Manager) Get(pairID string) (types.QuarantineState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[pairID]
	if !ok {
		return types.QuarantineState{}, false
	}
	return *st, true
}
