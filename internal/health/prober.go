package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexatrade/chain-rpc-router/internal/registry"
)

// ProbeFunc issues the cheap canonical call (e.g. eth_blockNumber)
// against one provider and returns the observed latency.
type ProbeFunc func(ctx context.Context, p registry.Provider, method string) (time.Duration, error)

// ProberConfig contains configuration for the periodic health prober.
type ProberConfig struct {
	// Interval between probe rounds.
	Interval time.Duration
	// BlacklistDuration applied when a probe fails.
	BlacklistDuration time.Duration
	// Method is the canonical probe call.
	Method string
	// Timeout for a single probe.
	Timeout time.Duration
}

// Prober periodically probes every active provider. A failed probe
// blacklists the provider for the configured duration; a successful one
// feeds the latency EMA.
type Prober struct {
	cfg      ProberConfig
	registry *registry.Registry
	tracker  *Tracker
	probe    ProbeFunc
	clock    clock.Clock
	logger   *slog.Logger
}

func NewProber(cfg ProberConfig, reg *registry.Registry, tracker *Tracker, probe ProbeFunc, clk clock.Clock, logger *slog.Logger) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BlacklistDuration == 0 {
		cfg.BlacklistDuration = 5 * time.Minute
	}
	if cfg.Method == "" {
		cfg.Method = "eth_blockNumber"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Prober{
		cfg:      cfg,
		registry: reg,
		tracker:  tracker,
		probe:    probe,
		clock:    clk,
		logger:   logger,
	}
}

// Start runs the probe loop until the context is cancelled.
func (p *Prober) Start(ctx context.Context) {
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("Health prober started",
		"interval", p.cfg.Interval,
		"method", p.cfg.Method,
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health prober stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce probes every active provider concurrently and blocks until the
// round completes. Exposed so tests can drive rounds deterministically.
func (p *Prober) RunOnce(ctx context.Context) {
	providers := p.registry.All()

	var wg sync.WaitGroup
	for _, prov := range providers {
		if !prov.Active {
			continue
		}
		wg.Add(1)
		go func(prov registry.Provider) {
			defer wg.Done()
			p.probeOne(ctx, prov)
		}(prov)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, prov registry.Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	latency, err := p.probe(probeCtx, prov, p.cfg.Method)
	if err != nil {
		p.logger.Warn("Health probe failed",
			"provider", prov.ID,
			"chain", prov.Chain,
			"error", err,
		)
		p.tracker.Blacklist(prov.ID, p.cfg.BlacklistDuration)
		return
	}

	p.tracker.RecordProbeSuccess(prov.ID, latency)
	p.logger.Debug("Health probe succeeded",
		"provider", prov.ID,
		"latency_ms", latency.Milliseconds(),
	)
}
