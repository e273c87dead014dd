package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nexatrade/chain-rpc-router/internal/events"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/registry"
)

var (
	// ErrAcquireTimeout means a waiter exceeded the acquire timeout and
	// was removed from the wait list.
	ErrAcquireTimeout = errors.New("connection acquire timeout")
	// ErrPoolDraining means the pool is shutting down.
	ErrPoolDraining = errors.New("pool draining")
	// ErrUnknownConnection means the connection id is not in the pool.
	ErrUnknownConnection = errors.New("unknown connection")
)

const (
	fullHealthScore    = 100
	probeSuccessReward = 5
	probeFailurePenalty = 20
)

// Connection is one logical lease slot against a provider. A connection
// is never shared by two concurrent leases; Busy is exclusive.
type Connection struct {
	ID                string
	ProviderID        string
	CreatedAt         time.Time
	LastUsed          time.Time
	Busy              bool
	Active            bool
	RequestCount      int64
	ConsecutiveErrors int
	AvgResponseMs     float64
	HealthScore       float64
}

// ProbeFunc checks one provider's connectivity on behalf of a pooled
// connection. Nil disables the health loop's probing.
type ProbeFunc func(ctx context.Context, providerID string) error

// Config tunes pool sizing, eviction, and scaling.
type Config struct {
	MinConnections   int
	MaxConnections   int
	MaxPerProvider   int
	IdleTimeout      time.Duration
	MaxAge           time.Duration
	AcquireTimeout   time.Duration
	HealthInterval   time.Duration
	ScaleInterval    time.Duration
	CleanupInterval  time.Duration
	HighWater        float64
	LowWater         float64
	FailureThreshold int
	Strategy         string
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Total       int
	Busy        int
	Idle        int
	Waiting     int
	PerProvider map[string]ProviderStats
}

type ProviderStats struct {
	Busy int
	Idle int
}

// Pool manages a bounded set of logical connections per provider with
// acquire/release semantics, a priority wait list, health eviction, and
// utilization-driven auto-scaling.
type Pool struct {
	cfg      Config
	registry *registry.Registry
	clock    clock.Clock
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *monitoring.Metrics
	strategy Strategy
	probe    ProbeFunc

	mu       sync.Mutex
	conns    map[string]*Connection
	byProv   map[string]map[string]*Connection
	waiters  *waitList
	seq      uint64
	draining bool
}

func New(cfg Config, reg *registry.Registry, clk clock.Clock, bus *events.Bus, metrics *monitoring.Metrics, logger *slog.Logger, rng *rand.Rand) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 50
	}
	if cfg.MaxPerProvider <= 0 {
		cfg.MaxPerProvider = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HighWater <= 0 {
		cfg.HighWater = 0.8
	}
	if cfg.LowWater <= 0 {
		cfg.LowWater = 0.2
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	strategy, err := NewStrategy(cfg.Strategy, rng)
	if err != nil {
		return nil, err
	}

	return &Pool{
		cfg:      cfg,
		registry: reg,
		clock:    clk,
		logger:   logger,
		bus:      bus,
		metrics:  metrics,
		strategy: strategy,
		conns:    make(map[string]*Connection),
		byProv:   make(map[string]map[string]*Connection),
		waiters:  newWaitList(),
	}, nil
}

// SetProbe installs the health-check probe used by the health loop.
func (p *Pool) SetProbe(probe ProbeFunc) {
	p.probe = probe
}

// Acquire leases a connection for the provider. An idle healthy
// connection is preferred; otherwise a new one is created under the
// ceilings; otherwise the caller waits in priority order.
func (p *Pool) Acquire(ctx context.Context, providerID string, priority int) (Connection, error) {
	prov, ok := p.registry.Get(providerID)
	if !ok {
		return Connection{}, fmt.Errorf("provider %s: %w", providerID, registry.ErrUnknownProvider)
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return Connection{}, ErrPoolDraining
	}

	if c := p.pickIdleLocked(providerID); c != nil {
		p.leaseLocked(c)
		lease := *c
		p.mu.Unlock()
		p.publishStats(providerID)
		return lease, nil
	}

	if p.canCreateLocked(prov) {
		c := p.createLocked(providerID, true)
		lease := *c
		p.mu.Unlock()
		p.publishStats(providerID)
		return lease, nil
	}

	p.seq++
	w := &waiter{
		providerID: providerID,
		priority:   priority,
		seq:        p.seq,
		ch:         make(chan Connection, 1),
	}
	p.waiters.add(w)
	p.mu.Unlock()
	p.publishStats(providerID)

	timer := p.clock.Timer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case lease, ok := <-w.ch:
		if !ok {
			// Wait list rejected by Drain.
			return Connection{}, ErrPoolDraining
		}
		return lease, nil
	case <-timer.C:
		return Connection{}, p.abandonWait(w, ErrAcquireTimeout)
	case <-ctx.Done():
		return Connection{}, p.abandonWait(w, ctx.Err())
	}
}

// abandonWait removes a waiter after timeout/cancellation. Handovers
// send on the buffered channel before dropping the lock, so when the
// waiter is already gone from the list its lease is guaranteed to be in
// the channel; it is put back into rotation.
func (p *Pool) abandonWait(w *waiter, cause error) error {
	p.mu.Lock()
	removed := p.waiters.remove(w)
	p.mu.Unlock()

	if !removed {
		select {
		case lease, ok := <-w.ch:
			if ok {
				_ = p.Release(lease.ID)
			}
		default:
		}
	}
	return cause
}

// Release returns a leased connection to the idle set, or hands it
// straight to the highest-priority waiter.
func (p *Pool) Release(connectionID string) error {
	p.mu.Lock()

	c, ok := p.conns[connectionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("connection %s: %w", connectionID, ErrUnknownConnection)
	}

	c.Busy = false
	c.LastUsed = p.clock.Now().UTC()

	if !c.Active {
		// Marked for eviction while leased; destroy instead of reuse.
		// The freed capacity goes to the next waiter, not just future
		// Acquire calls.
		providerID := c.ProviderID
		p.removeLocked(c)
		p.replaceForWaiterLocked(providerID)
		p.mu.Unlock()
		p.publishStats(providerID)
		return nil
	}

	if w := p.waiters.pop(c.ProviderID); w != nil {
		p.leaseLocked(c)
		// Buffered channel; sending under the lock keeps the handover
		// atomic with the pop, so a timed-out waiter always finds the
		// lease when abandonWait drains the channel.
		w.ch <- *c
		providerID := c.ProviderID
		p.mu.Unlock()
		p.publishStats(providerID)
		return nil
	}

	providerID := c.ProviderID
	p.mu.Unlock()
	p.publishStats(providerID)
	return nil
}

// Destroy evicts a connection outright. A queued waiter gets a freshly
// created replacement when capacity allows.
func (p *Pool) Destroy(connectionID string) error {
	p.mu.Lock()

	c, ok := p.conns[connectionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("connection %s: %w", connectionID, ErrUnknownConnection)
	}
	providerID := c.ProviderID
	p.removeLocked(c)
	p.replaceForWaiterLocked(providerID)
	p.mu.Unlock()

	p.publishStats(providerID)
	return nil
}

// replaceForWaiterLocked hands the next queued waiter a freshly created
// connection when the provider has creation headroom. Runs on every
// removal path so freed capacity never strands a waiter. The waiter
// channel is buffered, so sending under the lock cannot block and keeps
// the handover atomic with the pop.
func (p *Pool) replaceForWaiterLocked(providerID string) {
	prov, ok := p.registry.Get(providerID)
	if !ok || !p.canCreateLocked(prov) {
		return
	}
	w := p.waiters.pop(providerID)
	if w == nil {
		return
	}
	c := p.createLocked(providerID, true)
	w.ch <- *c
}

// RecordResult feeds a call outcome back into the connection's rolling
// stats and health score.
func (p *Pool) RecordResult(connectionID string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[connectionID]
	if !ok {
		return
	}

	sample := float64(latency.Milliseconds())
	if sample > 0 {
		if c.AvgResponseMs == 0 {
			c.AvgResponseMs = sample
		} else {
			c.AvgResponseMs = c.AvgResponseMs*0.8 + sample*0.2
		}
	}

	if success {
		c.ConsecutiveErrors = 0
		c.HealthScore = clampScore(c.HealthScore + probeSuccessReward)
		return
	}

	c.ConsecutiveErrors++
	c.HealthScore = clampScore(c.HealthScore - probeFailurePenalty)
	if c.ConsecutiveErrors >= p.cfg.FailureThreshold {
		c.Active = false
	}
}

// Get returns a copy of the connection's current state.
func (p *Pool) Get(connectionID string) (Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Stats snapshots pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Waiting:     p.waiters.len(),
		PerProvider: make(map[string]ProviderStats),
	}
	for provider, conns := range p.byProv {
		ps := s.PerProvider[provider]
		for _, c := range conns {
			s.Total++
			if c.Busy {
				s.Busy++
				ps.Busy++
			} else {
				s.Idle++
				ps.Idle++
			}
		}
		s.PerProvider[provider] = ps
	}
	return s
}

// Drain rejects all queued waiters and blocks until no connection is
// busy or the context expires. Used for graceful shutdown.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	abandoned := p.waiters.drain()
	p.mu.Unlock()

	for _, w := range abandoned {
		w.removed = true
		close(w.ch)
	}
	if len(abandoned) > 0 {
		p.logger.Info("Pool drain rejected waiters", "count", len(abandoned))
	}

	ticker := p.clock.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		busy := 0
		for _, c := range p.conns {
			if c.Busy {
				busy++
			}
		}
		p.mu.Unlock()

		if busy == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pickIdleLocked returns an idle active connection via the strategy.
func (p *Pool) pickIdleLocked(providerID string) *Connection {
	conns := p.byProv[providerID]
	idle := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		if !c.Busy && c.Active {
			idle = append(idle, c)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	return p.strategy.Pick(idle)
}

func (p *Pool) leaseLocked(c *Connection) {
	c.Busy = true
	c.LastUsed = p.clock.Now().UTC()
	c.RequestCount++
}

func (p *Pool) canCreateLocked(prov registry.Provider) bool {
	if len(p.conns) >= p.cfg.MaxConnections {
		return false
	}
	ceiling := p.cfg.MaxPerProvider
	if prov.MaxConnections > 0 && prov.MaxConnections < ceiling {
		ceiling = prov.MaxConnections
	}
	return len(p.byProv[prov.ID]) < ceiling
}

func (p *Pool) createLocked(providerID string, busy bool) *Connection {
	now := p.clock.Now().UTC()
	c := &Connection{
		ID:          uuid.NewString(),
		ProviderID:  providerID,
		CreatedAt:   now,
		LastUsed:    now,
		Busy:        busy,
		Active:      true,
		HealthScore: fullHealthScore,
	}
	if busy {
		c.RequestCount = 1
	}
	p.conns[c.ID] = c
	if p.byProv[providerID] == nil {
		p.byProv[providerID] = make(map[string]*Connection)
	}
	p.byProv[providerID][c.ID] = c
	return c
}

func (p *Pool) removeLocked(c *Connection) {
	delete(p.conns, c.ID)
	if conns := p.byProv[c.ProviderID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(p.byProv, c.ProviderID)
		}
	}
}

func (p *Pool) publishStats(providerID string) {
	p.mu.Lock()
	busy, idle := 0, 0
	for _, c := range p.byProv[providerID] {
		if c.Busy {
			busy++
		} else {
			idle++
		}
	}
	waiting := p.waiters.len()
	p.mu.Unlock()

	p.metrics.UpdatePoolState(providerID, busy, idle, waiting)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > fullHealthScore {
		return fullHealthScore
	}
	return s
}
