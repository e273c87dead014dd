package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Tier is the reliability/cost class of a provider.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierFallback Tier = "fallback"
)

// Weight returns the scoring weight for the tier. Premium providers
// dominate standard ones, which dominate fallbacks.
func (t Tier) Weight() int {
	switch t {
	case TierPremium:
		return 3
	case TierStandard:
		return 2
	case TierFallback:
		return 1
	default:
		return 0
	}
}

// Provider describes one upstream RPC endpoint for a chain.
// Only Active and Priority are mutable after registration.
type Provider struct {
	ID             string
	Name           string
	Chain          string
	Tier           Tier
	URL            string
	WSURL          string // optional streaming endpoint
	RateLimit      int    // requests per minute
	CostPerCall    float64
	Priority       int
	Timeout        time.Duration
	MaxConnections int
	DailyBudget    float64
	Active         bool
}

var ErrUnknownProvider = errors.New("unknown provider")

// Registry is the catalog of registered providers, indexed by id and by
// chain. Each orchestrator instance owns its own Registry; there is no
// ambient global catalog.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	byChain   map[string][]string
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]*Provider),
		byChain:   make(map[string][]string),
	}
}

// Register validates and adds a provider. Malformed descriptors are a
// configuration error and surface immediately; they are never retried.
func (r *Registry) Register(p Provider) error {
	if err := validate(&p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.ID]; exists {
		return fmt.Errorf("provider %s: already registered", p.ID)
	}

	p.Active = true
	r.providers[p.ID] = &p
	r.byChain[p.Chain] = append(r.byChain[p.Chain], p.ID)
	return nil
}

func validate(p *Provider) error {
	if p.ID == "" {
		return errors.New("provider id is required")
	}
	if p.Chain == "" {
		return fmt.Errorf("provider %s: chain is required", p.ID)
	}
	if p.Tier.Weight() == 0 {
		return fmt.Errorf("provider %s: invalid tier: %s", p.ID, p.Tier)
	}
	parsed, err := url.Parse(p.URL)
	if err != nil {
		return fmt.Errorf("provider %s: invalid url: %w", p.ID, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("provider %s: url must use http or https scheme, got: %s", p.ID, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("provider %s: url must have a host", p.ID)
	}
	if p.RateLimit <= 0 {
		return fmt.Errorf("provider %s: invalid rate limit: %d", p.ID, p.RateLimit)
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.MaxConnections <= 0 {
		p.MaxConnections = 10
	}
	return nil
}

// Remove deletes a provider entirely. Explicit operator action only.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, ErrUnknownProvider)
	}
	delete(r.providers, id)

	ids := r.byChain[p.Chain]
	for i, cid := range ids {
		if cid == id {
			r.byChain[p.Chain] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Deactivate excludes a provider from selection without removing it.
func (r *Registry) Deactivate(id string) error {
	return r.setActive(id, false)
}

// Activate re-enables a previously deactivated provider.
func (r *Registry) Activate(id string) error {
	return r.setActive(id, true)
}

func (r *Registry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, ErrUnknownProvider)
	}
	p.Active = active
	return nil
}

// SetPriority adjusts the static priority weight of a provider.
func (r *Registry) SetPriority(id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, ErrUnknownProvider)
	}
	p.Priority = priority
	return nil
}

// Get returns a copy of the provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return Provider{}, false
	}
	return *p, true
}

// ForChain returns copies of all providers registered for the chain,
// in registration order.
func (r *Registry) ForChain(chain string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byChain[chain]
	out := make([]Provider, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.providers[id])
	}
	return out
}

// All returns copies of every registered provider.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, *p)
	}
	return out
}

// Chains returns the set of chains with at least one registered provider.
func (r *Registry) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byChain))
	for chain, ids := range r.byChain {
		if len(ids) > 0 {
			out = append(out, chain)
		}
	}
	return out
}
