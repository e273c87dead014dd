package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexatrade/chain-rpc-router/internal/events"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/utils"
)

const (
	// EMA smoothing: weights roughly the last ten latency samples.
	emaOldWeight = 0.9
	emaNewWeight = 0.1

	healthySuccessRate = 0.8

	defaultMinSamples = 5
	defaultCostWindow = 24 * time.Hour
)

// Stats is a read-only snapshot of one provider's rolling metrics.
type Stats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgLatencyMs       float64
	CostToday          float64
	LastHealthCheck    time.Time
	Healthy            bool
	BlacklistedUntil   time.Time
}

type costEntry struct {
	at   time.Time
	cost float64
}

type providerStats struct {
	chain            string
	dailyBudget      float64
	total            int64
	success          int64
	failed           int64
	avgLatencyMs     float64
	lastHealthCheck  time.Time
	healthy          bool
	blacklistedUntil time.Time
	ledger           []costEntry
	budgetNotifiedOn time.Time // UTC day the budget-exceeded event fired for
}

// Options tune tracker behavior; zero values take defaults.
type Options struct {
	// MinSamples is the warm-up count before the success-rate ratio is
	// trusted. Below it a provider is healthy by default, so a single
	// early failure cannot permanently mark it dead.
	MinSamples int
	// CostWindow bounds ledger retention. Entries older than the window
	// are purged lazily on write.
	CostWindow time.Duration
}

// Tracker keeps per-provider rolling metrics, blacklist state, and the
// cost ledger. All state is in-memory; a restart resets reputation.
type Tracker struct {
	mu         sync.RWMutex
	clock      clock.Clock
	bus        *events.Bus
	metrics    *monitoring.Metrics
	logger     *slog.Logger
	minSamples int
	costWindow time.Duration
	stats      map[string]*providerStats
}

func NewTracker(clk clock.Clock, bus *events.Bus, metrics *monitoring.Metrics, logger *slog.Logger, opts Options) *Tracker {
	if opts.MinSamples <= 0 {
		opts.MinSamples = defaultMinSamples
	}
	if opts.CostWindow <= 0 {
		opts.CostWindow = defaultCostWindow
	}
	return &Tracker{
		clock:      clk,
		bus:        bus,
		metrics:    metrics,
		logger:     logger,
		minSamples: opts.MinSamples,
		costWindow: opts.CostWindow,
		stats:      make(map[string]*providerStats),
	}
}

// Track registers a provider with the tracker. Until any outcome is
// recorded the provider is considered healthy.
func (t *Tracker) Track(providerID, chain string, dailyBudget float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.stats[providerID]; exists {
		return
	}
	t.stats[providerID] = &providerStats{
		chain:       chain,
		dailyBudget: dailyBudget,
		healthy:     true,
	}
}

// Untrack drops all state for a provider.
func (t *Tracker) Untrack(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, providerID)
}

func (t *Tracker) get(providerID string) *providerStats {
	s, ok := t.stats[providerID]
	if !ok {
		s = &providerStats{healthy: true}
		t.stats[providerID] = s
	}
	return s
}

// RecordOutcome updates counters and the latency EMA after a call, then
// recomputes health. A health flip publishes a health-changed event.
func (t *Tracker) RecordOutcome(providerID string, success bool, latency time.Duration) {
	t.mu.Lock()
	s := t.get(providerID)

	s.total++
	if success {
		s.success++
	} else {
		s.failed++
	}
	if latency > 0 {
		t.updateEMA(s, latency)
	}

	wasHealthy := s.healthy
	if s.total < int64(t.minSamples) {
		// Warm-up: ratio is undefined, stay healthy by default.
		s.healthy = true
	} else {
		s.healthy = float64(s.success)/float64(s.total) > healthySuccessRate
	}
	flipped := s.healthy != wasHealthy
	healthy := s.healthy
	blacklisted := t.clock.Now().Before(s.blacklistedUntil)
	chain := s.chain
	t.mu.Unlock()

	t.metrics.UpdateProviderHealth(providerID, healthy, blacklisted)

	if flipped {
		detail := "provider recovered"
		if !healthy {
			detail = "success rate below threshold"
		}
		t.logger.Info("Provider health changed",
			"provider", providerID,
			"healthy", healthy,
		)
		t.bus.Publish(events.Event{
			Type:     events.HealthChanged,
			Provider: providerID,
			Chain:    chain,
			Detail:   detail,
			At:       t.clock.Now().UTC(),
		})
	}
}

// updateEMA must be called with the tracker lock held.
func (t *Tracker) updateEMA(s *providerStats, latency time.Duration) {
	sample := float64(latency.Milliseconds())
	if s.avgLatencyMs == 0 {
		s.avgLatencyMs = sample
		return
	}
	s.avgLatencyMs = s.avgLatencyMs*emaOldWeight + sample*emaNewWeight
}

// RecordProbeSuccess updates the latency EMA and last-health-check
// timestamp after a successful periodic probe.
func (t *Tracker) RecordProbeSuccess(providerID string, latency time.Duration) {
	t.mu.Lock()
	s := t.get(providerID)
	if latency > 0 {
		t.updateEMA(s, latency)
	}
	s.lastHealthCheck = t.clock.Now().UTC()
	t.mu.Unlock()
}

// RecordCost appends a ledger entry, purges entries outside the retention
// window, and fires a budget-exceeded event once per UTC day when the
// daily budget is reached.
func (t *Tracker) RecordCost(providerID string, cost float64) {
	now := t.clock.Now().UTC()
	midnight := utils.MidnightUTC(now)

	t.mu.Lock()
	s := t.get(providerID)
	s.ledger = append(s.ledger, costEntry{at: now, cost: cost})
	purgeBefore(s, now.Add(-t.costWindow))

	today := costSince(s, midnight)
	exceeded := s.dailyBudget > 0 && today >= s.dailyBudget && !s.budgetNotifiedOn.Equal(midnight)
	if exceeded {
		s.budgetNotifiedOn = midnight
	}
	chain := s.chain
	budget := s.dailyBudget
	t.mu.Unlock()

	t.metrics.UpdateProviderCost(providerID, today)

	if exceeded {
		t.logger.Warn("Provider daily budget exceeded",
			"provider", providerID,
			"cost_today", today,
			"daily_budget", budget,
		)
		t.bus.Publish(events.Event{
			Type:     events.BudgetExceeded,
			Provider: providerID,
			Chain:    chain,
			Detail:   "daily budget reached",
			At:       now,
		})
	}
}

func purgeBefore(s *providerStats, cutoff time.Time) {
	kept := s.ledger[:0]
	for _, e := range s.ledger {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.ledger = kept
}

func costSince(s *providerStats, cutoff time.Time) float64 {
	var total float64
	for _, e := range s.ledger {
		if !e.at.Before(cutoff) {
			total += e.cost
		}
	}
	return total
}

// CostToday returns the cost accumulated since the last UTC midnight.
func (t *Tracker) CostToday(providerID string) float64 {
	midnight := utils.MidnightUTC(t.clock.Now())

	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return 0
	}
	return costSince(s, midnight)
}

// UnderBudget reports whether the provider may still admit paid calls
// today. The budget gate is hard admission control, not a preference.
func (t *Tracker) UnderBudget(providerID string) bool {
	t.mu.RLock()
	s, ok := t.stats[providerID]
	budget := 0.0
	if ok {
		budget = s.dailyBudget
	}
	t.mu.RUnlock()

	if !ok || budget <= 0 {
		return true
	}
	return t.CostToday(providerID) < budget
}

// Blacklist excludes the provider until the duration elapses. Eligibility
// returns automatically after expiry; there is no explicit unblacklist.
func (t *Tracker) Blacklist(providerID string, d time.Duration) {
	until := t.clock.Now().Add(d)

	t.mu.Lock()
	s := t.get(providerID)
	s.blacklistedUntil = until
	chain := s.chain
	healthy := s.healthy
	t.mu.Unlock()

	t.metrics.UpdateProviderHealth(providerID, healthy, true)
	t.logger.Warn("Provider blacklisted",
		"provider", providerID,
		"until", until.UTC(),
	)
	t.bus.Publish(events.Event{
		Type:     events.ProviderBlacklisted,
		Provider: providerID,
		Chain:    chain,
		Detail:   "blacklisted until " + until.UTC().Format(time.RFC3339),
		At:       t.clock.Now().UTC(),
	})
}

// IsBlacklisted checks blacklist state lazily against the clock.
func (t *Tracker) IsBlacklisted(providerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return false
	}
	return t.clock.Now().Before(s.blacklistedUntil)
}

// IsHealthy reports the current health flag. Unknown providers are
// assumed healthy (fail-open).
func (t *Tracker) IsHealthy(providerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return true
	}
	return s.healthy
}

// SuccessRate returns successes/total, or 1.0 during warm-up.
func (t *Tracker) SuccessRate(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok || s.total < int64(t.minSamples) {
		return 1.0
	}
	return float64(s.success) / float64(s.total)
}

// AvgLatencyMs returns the current latency EMA in milliseconds.
func (t *Tracker) AvgLatencyMs(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return 0
	}
	return s.avgLatencyMs
}

// Snapshot returns a copy of the provider's stats.
func (t *Tracker) Snapshot(providerID string) (Stats, bool) {
	midnight := utils.MidnightUTC(t.clock.Now())

	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		TotalRequests:      s.total,
		SuccessfulRequests: s.success,
		FailedRequests:     s.failed,
		AvgLatencyMs:       s.avgLatencyMs,
		CostToday:          costSince(s, midnight),
		LastHealthCheck:    s.lastHealthCheck,
		Healthy:            s.healthy,
		BlacklistedUntil:   s.blacklistedUntil,
	}, true
}

// SnapshotAll returns stats for every tracked provider.
func (t *Tracker) SnapshotAll() map[string]Stats {
	midnight := utils.MidnightUTC(t.clock.Now())

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Stats, len(t.stats))
	for id, s := range t.stats {
		out[id] = Stats{
			TotalRequests:      s.total,
			SuccessfulRequests: s.success,
			FailedRequests:     s.failed,
			AvgLatencyMs:       s.avgLatencyMs,
			CostToday:          costSince(s, midnight),
			LastHealthCheck:    s.lastHealthCheck,
			Healthy:            s.healthy,
			BlacklistedUntil:   s.blacklistedUntil,
		}
	}
	return out
}
