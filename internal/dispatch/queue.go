package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexatrade/chain-rpc-router/internal/executor"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/selector"
)

var (
	// ErrQueueSaturated means the chain's queue hit its depth bound.
	// Callers must back off; the queue never grows without limit.
	ErrQueueSaturated = errors.New("dispatch queue saturated")
	// ErrQueueClosed means the queue was shut down before dispatch.
	ErrQueueClosed = errors.New("dispatch queue closed")
	// ErrCancelled means the caller removed its own queue entry.
	ErrCancelled = errors.New("request cancelled")
)

// Outcome is the terminal resolution of a queued request.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Handle lets the caller await or cancel a queued request.
type Handle struct {
	queue *Queue
	chain string
	id    uint64
	done  chan Outcome
}

// Done returns the channel carrying the terminal outcome.
func (h *Handle) Done() <-chan Outcome {
	return h.done
}

// Cancel removes the entry from the queue if it has not been dispatched
// yet. Returns false when dispatch already happened.
func (h *Handle) Cancel() bool {
	return h.queue.cancel(h.chain, h.id)
}

type pending struct {
	id   uint64
	req  *executor.Request
	done chan Outcome
}

// Config tunes the dispatch queue.
type Config struct {
	TickInterval  time.Duration
	MaxQueueDepth int
}

// Queue throttles outgoing calls per chain to the best provider's rate
// budget. Producers enqueue without blocking; a fixed-interval ticker
// drains each chain FIFO and dispatches through the executor.
type Queue struct {
	cfg      Config
	executor *executor.Executor
	selector *selector.Selector
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *monitoring.Metrics

	mu     sync.Mutex
	chains map[string][]*pending
	nextID uint64
	closed bool
}

func New(cfg Config, exec *executor.Executor, sel *selector.Selector, clk clock.Clock, metrics *monitoring.Metrics, logger *slog.Logger) *Queue {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 1000
	}
	return &Queue{
		cfg:      cfg,
		executor: exec,
		selector: sel,
		clock:    clk,
		logger:   logger,
		metrics:  metrics,
		chains:   make(map[string][]*pending),
	}
}

// Enqueue submits a request without blocking. The returned handle
// resolves once the request is dispatched and completes.
func (q *Queue) Enqueue(req *executor.Request) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.chains[req.Chain]) >= q.cfg.MaxQueueDepth {
		return nil, ErrQueueSaturated
	}

	q.nextID++
	entry := &pending{
		id:   q.nextID,
		req:  req,
		done: make(chan Outcome, 1),
	}
	q.chains[req.Chain] = append(q.chains[req.Chain], entry)
	q.metrics.UpdateQueueDepth(req.Chain, len(q.chains[req.Chain]))

	return &Handle{queue: q, chain: req.Chain, id: entry.id, done: entry.done}, nil
}

// Depth returns the number of queued requests for the chain.
func (q *Queue) Depth(chain string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chains[chain])
}

// Start runs the drain loop until the context is cancelled, then rejects
// everything still queued.
func (q *Queue) Start(ctx context.Context) {
	ticker := q.clock.Ticker(q.cfg.TickInterval)
	defer ticker.Stop()

	q.logger.Info("Dispatch queue started", "tick_interval", q.cfg.TickInterval)

	for {
		select {
		case <-ctx.Done():
			q.Close()
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Tick drains one cycle: for every chain, pop as many requests as the
// best provider's rate limit permits this tick and dispatch them.
// Exposed so tests can drive ticks deterministically.
func (q *Queue) Tick(ctx context.Context) {
	q.mu.Lock()
	chains := make([]string, 0, len(q.chains))
	for chain, items := range q.chains {
		if len(items) > 0 {
			chains = append(chains, chain)
		}
	}
	q.mu.Unlock()

	for _, chain := range chains {
		q.drainChain(ctx, chain)
	}
}

func (q *Queue) drainChain(ctx context.Context, chain string) {
	budget := q.tickBudget(chain)
	if budget <= 0 {
		return
	}

	q.mu.Lock()
	items := q.chains[chain]
	n := budget
	if n > len(items) {
		n = len(items)
	}
	batch := items[:n]
	q.chains[chain] = items[n:]
	depth := len(q.chains[chain])
	q.mu.Unlock()

	q.metrics.UpdateQueueDepth(chain, depth)
	q.metrics.RecordDispatched(chain, len(batch))

	for _, entry := range batch {
		go func(entry *pending) {
			result, err := q.executor.Execute(ctx, entry.req)
			entry.done <- Outcome{Result: result, Err: err}
		}(entry)
	}
}

// tickBudget computes how many requests the best current provider's
// per-minute rate limit permits within one tick.
func (q *Queue) tickBudget(chain string) int {
	candidates, err := q.selector.Select(chain, selector.UrgencyCritical)
	if err != nil {
		// No provider right now; leave the queue intact for a later tick.
		return 0
	}
	best := candidates[0]

	perTick := int(float64(best.RateLimit) * q.cfg.TickInterval.Seconds() / 60.0)
	if perTick < 1 {
		perTick = 1
	}
	return perTick
}

func (q *Queue) cancel(chain string, id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.chains[chain]
	for i, entry := range items {
		if entry.id == id {
			q.chains[chain] = append(items[:i], items[i+1:]...)
			q.metrics.UpdateQueueDepth(chain, len(q.chains[chain]))
			entry.done <- Outcome{Err: ErrCancelled}
			return true
		}
	}
	return false
}

// Close rejects everything still queued and refuses new submissions.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for chain, items := range q.chains {
		for _, entry := range items {
			entry.done <- Outcome{Err: ErrQueueClosed}
		}
		q.chains[chain] = nil
		q.metrics.UpdateQueueDepth(chain, 0)
	}
}
