package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexatrade/chain-rpc-router/internal/config"
	"github.com/nexatrade/chain-rpc-router/internal/dispatch"
	"github.com/nexatrade/chain-rpc-router/internal/events"
	"github.com/nexatrade/chain-rpc-router/internal/executor"
	"github.com/nexatrade/chain-rpc-router/internal/health"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/pool"
	"github.com/nexatrade/chain-rpc-router/internal/registry"
	"github.com/nexatrade/chain-rpc-router/internal/selector"
	"github.com/nexatrade/chain-rpc-router/internal/transport"
)

// ProviderStatus pairs a provider descriptor with its live metrics.
type ProviderStatus struct {
	Provider    registry.Provider
	Stats       health.Stats
	Blacklisted bool
}

// Snapshot is the aggregate observability view.
type Snapshot struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	CostToday          float64
	Pool               pool.Stats
	QueueDepths        map[string]int
}

// Option customizes orchestrator construction, mainly for tests.
type Option func(*options)

type options struct {
	clock  clock.Clock
	rng    *rand.Rand
	caller transport.Caller
}

// WithClock substitutes the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithRand substitutes the selection random source.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// WithCaller substitutes the RPC transport.
func WithCaller(c transport.Caller) Option {
	return func(o *options) { o.caller = c }
}

// Orchestrator is the single entry point client code calls. Each
// instance owns its own registry, tracker, selector, executor, dispatch
// queue, and pool, so multiple independent instances can coexist.
type Orchestrator struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	bus      *events.Bus
	metrics  *monitoring.Metrics
	registry *registry.Registry
	tracker  *health.Tracker
	selector *selector.Selector
	client   *transport.Client
	stream   *transport.StreamClient
	executor *executor.Executor
	queue    *dispatch.Queue
	pool     *pool.Pool
	prober   *health.Prober
	cancel   context.CancelFunc
}

func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}

	bus := events.NewBus()
	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)
	reg := registry.New()
	tracker := health.NewTracker(o.clock, bus, metrics, logger, health.Options{
		MinSamples: cfg.Health.MinSamples,
	})
	sel := selector.New(reg, tracker, metrics, o.rng)

	client := transport.NewClient(nil, logger)
	caller := o.caller
	if caller == nil {
		caller = client
	}

	exec := executor.New(executor.Config{
		MaxRetries:       *cfg.Retry.MaxRetries,
		RetryDelay:       cfg.Retry.Delay.Std(),
		RetryableCodes:   cfg.Retry.RetryableCodes,
		CacheTTL:         cfg.Cache.TTL.Std(),
		CacheSize:        cfg.Cache.Size,
		CacheableMethods: cfg.Cache.Methods,
	}, sel, tracker, caller, o.clock, metrics, logger)

	queue := dispatch.New(dispatch.Config{
		TickInterval:  cfg.Dispatch.TickInterval.Std(),
		MaxQueueDepth: cfg.Dispatch.MaxQueueDepth,
	}, exec, sel, o.clock, metrics, logger)

	connPool, err := pool.New(pool.Config{
		MinConnections:   cfg.Pool.MinConnections,
		MaxConnections:   cfg.Pool.MaxConnections,
		MaxPerProvider:   cfg.Pool.MaxPerProvider,
		IdleTimeout:      cfg.Pool.IdleTimeout.Std(),
		MaxAge:           cfg.Pool.MaxAge.Std(),
		AcquireTimeout:   cfg.Pool.AcquireTimeout.Std(),
		HealthInterval:   cfg.Pool.HealthInterval.Std(),
		ScaleInterval:    cfg.Pool.ScaleInterval.Std(),
		CleanupInterval:  cfg.Pool.CleanupInterval.Std(),
		HighWater:        cfg.Pool.HighWater,
		LowWater:         cfg.Pool.LowWater,
		FailureThreshold: cfg.Pool.FailureThreshold,
		Strategy:         cfg.Pool.Strategy,
	}, reg, o.clock, bus, metrics, logger, o.rng)
	if err != nil {
		return nil, err
	}

	probeMethod := cfg.Health.ProbeMethod
	connPool.SetProbe(func(ctx context.Context, providerID string) error {
		p, ok := reg.Get(providerID)
		if !ok {
			return fmt.Errorf("provider %s: %w", providerID, registry.ErrUnknownProvider)
		}
		_, err := caller.Call(ctx, p, probeMethod, nil, p.Timeout)
		return err
	})

	prober := health.NewProber(health.ProberConfig{
		Interval:          cfg.Health.CheckInterval.Std(),
		BlacklistDuration: cfg.Health.BlacklistDuration.Std(),
		Method:            probeMethod,
	}, reg, tracker, func(ctx context.Context, p registry.Provider, method string) (time.Duration, error) {
		return transport.Probe(ctx, caller, o.clock, p, method)
	}, o.clock, logger)

	orc := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		clock:    o.clock,
		bus:      bus,
		metrics:  metrics,
		registry: reg,
		tracker:  tracker,
		selector: sel,
		client:   client,
		stream:   transport.NewStreamClient(logger),
		executor: exec,
		queue:    queue,
		pool:     connPool,
		prober:   prober,
	}

	for _, pc := range cfg.Providers {
		if err := orc.RegisterProvider(providerFromConfig(pc)); err != nil {
			return nil, err
		}
	}

	return orc, nil
}

func providerFromConfig(pc config.ProviderConfig) registry.Provider {
	return registry.Provider{
		ID:             pc.ID,
		Name:           pc.Name,
		Chain:          pc.Chain,
		Tier:           registry.Tier(pc.Tier),
		URL:            pc.URL,
		WSURL:          pc.WSURL,
		RateLimit:      pc.RateLimit,
		CostPerCall:    pc.CostPerCall,
		Priority:       pc.Priority,
		Timeout:        pc.Timeout.Std(),
		MaxConnections: pc.MaxConnections,
		DailyBudget:    pc.DailyBudget,
	}
}

// Start launches the prober, dispatch drain loop, and pool loops.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	go o.prober.Start(ctx)
	go o.queue.Start(ctx)
	o.pool.Start(ctx)
	o.logger.Info("Orchestrator started",
		"providers", len(o.registry.All()),
		"chains", len(o.registry.Chains()),
	)
}

// Call routes one synchronous RPC call through selection and the
// executor's retry/failover path.
func (o *Orchestrator) Call(ctx context.Context, chain, method string, params []any, urgency selector.Urgency) (json.RawMessage, error) {
	if urgency == "" {
		urgency = selector.UrgencyMedium
	}
	req := o.executor.NewRequest(chain, method, params, urgency)
	return o.executor.Execute(ctx, req)
}

// CallPinned is Call with the request pinned to a specific provider
// while it still passes health filters.
func (o *Orchestrator) CallPinned(ctx context.Context, providerID, chain, method string, params []any) (json.RawMessage, error) {
	req := o.executor.NewRequest(chain, method, params, selector.UrgencyMedium)
	req.PinnedProvider = providerID
	return o.executor.Execute(ctx, req)
}

// QueueCall submits the request to the chain's rate-limited dispatch
// queue. The handle resolves after a later tick dispatches it.
func (o *Orchestrator) QueueCall(chain, method string, params []any) (*dispatch.Handle, error) {
	req := o.executor.NewRequest(chain, method, params, selector.UrgencyMedium)
	return o.queue.Enqueue(req)
}

// Subscribe opens a push stream on the best provider for the chain that
// exposes a streaming endpoint.
func (o *Orchestrator) Subscribe(ctx context.Context, chain, method string, params []any) (*transport.Subscription, error) {
	candidates, err := o.selector.Select(chain, selector.UrgencyHigh)
	if err != nil {
		return nil, err
	}
	for _, p := range candidates {
		if p.WSURL != "" {
			return o.stream.Subscribe(ctx, p, method, params)
		}
	}
	return nil, transport.ErrNoStreamEndpoint
}

// AcquireConnection leases a pooled connection against the provider.
func (o *Orchestrator) AcquireConnection(ctx context.Context, providerID string, priority int) (pool.Connection, error) {
	return o.pool.Acquire(ctx, providerID, priority)
}

// ReleaseConnection returns a leased connection to the pool.
func (o *Orchestrator) ReleaseConnection(connectionID string) error {
	return o.pool.Release(connectionID)
}

// DestroyConnection evicts a pooled connection outright.
func (o *Orchestrator) DestroyConnection(connectionID string) error {
	return o.pool.Destroy(connectionID)
}

// RegisterProvider adds a provider to the registry and starts tracking
// its metrics and budget.
func (o *Orchestrator) RegisterProvider(p registry.Provider) error {
	if p.DailyBudget == 0 {
		p.DailyBudget = o.cfg.Budget.DailyDefault
	}
	if err := o.registry.Register(p); err != nil {
		return err
	}
	o.tracker.Track(p.ID, p.Chain, p.DailyBudget)
	o.logger.Info("Provider registered",
		"provider", p.ID,
		"chain", p.Chain,
		"tier", string(p.Tier),
		"rate_limit", p.RateLimit,
	)
	return nil
}

// DeactivateProvider excludes a provider from selection.
func (o *Orchestrator) DeactivateProvider(id string) error {
	return o.registry.Deactivate(id)
}

// Events returns a subscription to health/blacklist/budget/scaling
// notifications.
func (o *Orchestrator) Events() <-chan events.Event {
	return o.bus.Subscribe()
}

// ProviderStatus returns a per-provider observability snapshot.
func (o *Orchestrator) ProviderStatus() []ProviderStatus {
	providers := o.registry.All()
	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		stats, _ := o.tracker.Snapshot(p.ID)
		out = append(out, ProviderStatus{
			Provider:    p,
			Stats:       stats,
			Blacklisted: o.tracker.IsBlacklisted(p.ID),
		})
	}
	return out
}

// Metrics returns the aggregate snapshot across all providers.
func (o *Orchestrator) Metrics() Snapshot {
	snap := Snapshot{
		Pool:        o.pool.Stats(),
		QueueDepths: make(map[string]int),
	}
	for _, stats := range o.tracker.SnapshotAll() {
		snap.TotalRequests += stats.TotalRequests
		snap.SuccessfulRequests += stats.SuccessfulRequests
		snap.FailedRequests += stats.FailedRequests
		snap.CostToday += stats.CostToday
	}
	for _, chain := range o.registry.Chains() {
		snap.QueueDepths[chain] = o.queue.Depth(chain)
	}
	return snap
}

// Close stops background loops, rejects queued work, and drains the
// pool. The context bounds how long to wait for busy connections.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	o.queue.Close()
	err := o.pool.Drain(ctx)
	o.bus.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
