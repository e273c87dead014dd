package selector

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nexatrade/chain-rpc-router/internal/health"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/registry"
)

// Urgency is the caller-declared priority class. Critical selection is
// deterministic; other classes spread load across near-equal providers.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ErrNoProviderAvailable means no candidate passed the selection filters.
// Callers should treat this as retryable after backoff, not fatal.
var ErrNoProviderAvailable = errors.New("no provider available")

const spreadCandidates = 3

type scored struct {
	provider registry.Provider
	score    float64
}

// Selector filters and ranks providers for a chain. The random source is
// injectable so selection fairness is reproducible in tests.
type Selector struct {
	registry *registry.Registry
	tracker  *health.Tracker
	metrics  *monitoring.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

func New(reg *registry.Registry, tracker *health.Tracker, metrics *monitoring.Metrics, rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{
		registry: reg,
		tracker:  tracker,
		metrics:  metrics,
		rng:      rng,
	}
}

// Select returns an ordered candidate list for the chain and urgency.
// The first element is the provider to try; the rest are failover order.
func (s *Selector) Select(chain string, urgency Urgency) ([]registry.Provider, error) {
	return s.SelectExcluding(chain, urgency, nil)
}

// SelectExcluding is Select with an exclusion set, used by the executor
// to keep a retry off the provider that just failed.
func (s *Selector) SelectExcluding(chain string, urgency Urgency, exclude map[string]bool) ([]registry.Provider, error) {
	candidates := s.filter(chain, exclude)
	if len(candidates) == 0 {
		return nil, ErrNoProviderAvailable
	}

	// Stable sort keeps registration order on score ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if urgency == UrgencyCritical {
		// Deterministic: single top-scored provider, minimum latency to decision.
		return []registry.Provider{candidates[0].provider}, nil
	}

	top := candidates
	if len(top) > spreadCandidates {
		top = top[:spreadCandidates]
	}

	chosen := s.weightedPick(len(top))
	out := make([]registry.Provider, 0, len(top))
	out = append(out, top[chosen].provider)
	for i, c := range top {
		if i != chosen {
			out = append(out, c.provider)
		}
	}
	return out, nil
}

// Pinned returns the provider when it serves the chain and currently
// passes all selection filters, regardless of how it ranks against its
// peers. Used for pinned-provider requests.
func (s *Selector) Pinned(providerID, chain string) (registry.Provider, bool) {
	p, ok := s.registry.Get(providerID)
	if !ok || p.Chain != chain {
		return registry.Provider{}, false
	}
	if !p.Active || s.tracker.IsBlacklisted(p.ID) || !s.tracker.UnderBudget(p.ID) {
		return registry.Provider{}, false
	}
	return p, true
}

func (s *Selector) filter(chain string, exclude map[string]bool) []scored {
	providers := s.registry.ForChain(chain)

	candidates := make([]scored, 0, len(providers))
	for _, p := range providers {
		if len(exclude) > 0 && exclude[p.ID] {
			s.metrics.RecordSelectionRejected("excluded")
			continue
		}
		if !p.Active {
			s.metrics.RecordSelectionRejected("inactive")
			continue
		}
		if s.tracker.IsBlacklisted(p.ID) {
			s.metrics.RecordSelectionRejected("blacklisted")
			continue
		}
		if !s.tracker.UnderBudget(p.ID) {
			s.metrics.RecordSelectionRejected("over_budget")
			continue
		}
		candidates = append(candidates, scored{provider: p, score: s.score(p)})
	}
	return candidates
}

// score ranks a provider: reliability tier dominates raw priority, which
// dominates fine latency differences.
func (s *Selector) score(p registry.Provider) float64 {
	return float64(p.Tier.Weight())*1000 +
		float64(p.Priority) +
		s.tracker.SuccessRate(p.ID)*100 -
		s.tracker.AvgLatencyMs(p.ID)
}

// weightedPick chooses an index from n candidates with geometrically
// decaying weights 2^(n-1-i), so the best candidate is favored without
// hammering it exclusively.
func (s *Selector) weightedPick(n int) int {
	if n <= 1 {
		return 0
	}

	total := (1 << n) - 1 // sum of 2^(n-1-i) for i in [0,n)

	s.mu.Lock()
	roll := s.rng.Intn(total)
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		weight := 1 << (n - 1 - i)
		if roll < weight {
			return i
		}
		roll -= weight
	}
	return n - 1
}
