package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/nexatrade/chain-rpc-router/internal/events"
)

// Start launches the health, auto-scaling, and cleanup loops. They run
// until the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.HealthInterval > 0 && p.probe != nil {
		go p.loop(ctx, p.cfg.HealthInterval, p.HealthTick)
	}
	if p.cfg.ScaleInterval > 0 {
		go p.loop(ctx, p.cfg.ScaleInterval, func(context.Context) { p.ScaleTick() })
	}
	if p.cfg.CleanupInterval > 0 {
		go p.loop(ctx, p.cfg.CleanupInterval, func(context.Context) { p.CleanupTick() })
	}
}

func (p *Pool) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// HealthTick probes every connection once. Repeated consecutive failures
// beyond the threshold mark the connection inactive; the next cleanup
// pass destroys it.
func (p *Pool) HealthTick(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	providers := make([]string, 0, len(p.conns))
	for id, c := range p.conns {
		if !c.Active {
			continue
		}
		ids = append(ids, id)
		providers = append(providers, c.ProviderID)
	}
	p.mu.Unlock()

	for i, id := range ids {
		err := p.probe(ctx, providers[i])

		p.mu.Lock()
		c, ok := p.conns[id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			c.ConsecutiveErrors++
			c.HealthScore = clampScore(c.HealthScore - probeFailurePenalty)
			if c.ConsecutiveErrors >= p.cfg.FailureThreshold {
				c.Active = false
				p.logger.Warn("Connection failed health checks",
					"connection", id,
					"provider", c.ProviderID,
					"consecutive_errors", c.ConsecutiveErrors,
				)
			}
		} else {
			c.ConsecutiveErrors = 0
			c.HealthScore = clampScore(c.HealthScore + probeSuccessReward)
		}
		p.mu.Unlock()
	}
}

// ScaleTick samples utilization and scales by one connection: above the
// high-water mark it adds one for the most-loaded provider, below the
// low-water mark it destroys the longest-idle connection.
func (p *Pool) ScaleTick() {
	p.mu.Lock()

	total := len(p.conns)
	if total == 0 {
		p.mu.Unlock()
		return
	}
	busy := 0
	busyByProv := make(map[string]int)
	for _, c := range p.conns {
		if c.Busy {
			busy++
			busyByProv[c.ProviderID]++
		}
	}
	util := float64(busy) / float64(total)

	if util > p.cfg.HighWater {
		target := p.mostLoadedLocked(busyByProv)
		if target == "" {
			p.mu.Unlock()
			return
		}
		c := p.createLocked(target, false)
		p.mu.Unlock()

		p.logger.Info("Pool scaled up",
			"provider", target,
			"connection", c.ID,
			"utilization", util,
		)
		p.metrics.RecordPoolScale("up")
		p.bus.Publish(events.Event{
			Type:     events.PoolScaling,
			Provider: target,
			Detail:   fmt.Sprintf("scaled up at utilization %.2f", util),
			At:       p.clock.Now().UTC(),
		})
		p.publishStats(target)
		return
	}

	if util < p.cfg.LowWater && total > p.cfg.MinConnections {
		victim := p.longestIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			return
		}
		provider := victim.ProviderID
		id := victim.ID
		p.removeLocked(victim)
		p.replaceForWaiterLocked(provider)
		p.mu.Unlock()

		p.logger.Info("Pool scaled down",
			"provider", provider,
			"connection", id,
			"utilization", util,
		)
		p.metrics.RecordPoolScale("down")
		p.bus.Publish(events.Event{
			Type:     events.PoolScaling,
			Provider: provider,
			Detail:   fmt.Sprintf("scaled down at utilization %.2f", util),
			At:       p.clock.Now().UTC(),
		})
		p.publishStats(provider)
		return
	}

	p.mu.Unlock()
}

// mostLoadedLocked picks the provider with the most busy connections
// that still has creation headroom.
func (p *Pool) mostLoadedLocked(busyByProv map[string]int) string {
	best := ""
	bestBusy := -1
	for provider, count := range busyByProv {
		if count <= bestBusy {
			continue
		}
		prov, ok := p.registry.Get(provider)
		if !ok || !p.canCreateLocked(prov) {
			continue
		}
		best = provider
		bestBusy = count
	}
	return best
}

// longestIdleLocked returns the idle connection unused for the longest.
func (p *Pool) longestIdleLocked() *Connection {
	var victim *Connection
	for _, c := range p.conns {
		if c.Busy {
			continue
		}
		if victim == nil || c.LastUsed.Before(victim.LastUsed) {
			victim = c
		}
	}
	return victim
}

// CleanupTick evicts connections past their maximum age or idle bound
// and destroys connections the health loop marked inactive. Busy
// connections are marked for eviction and destroyed on release.
func (p *Pool) CleanupTick() {
	now := p.clock.Now().UTC()

	p.mu.Lock()
	victims := make([]*Connection, 0)
	for _, c := range p.conns {
		expired := (p.cfg.MaxAge > 0 && now.Sub(c.CreatedAt) > p.cfg.MaxAge) ||
			(!c.Busy && p.cfg.IdleTimeout > 0 && now.Sub(c.LastUsed) > p.cfg.IdleTimeout) ||
			!c.Active
		if !expired {
			continue
		}
		if c.Busy {
			// Evict once the current lease completes.
			c.Active = false
			continue
		}
		victims = append(victims, c)
	}
	for _, c := range victims {
		p.removeLocked(c)
		p.replaceForWaiterLocked(c.ProviderID)
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.logger.Debug("Connection evicted",
			"connection", c.ID,
			"provider", c.ProviderID,
		)
		p.publishStats(c.ProviderID)
	}
}
