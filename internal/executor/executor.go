package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nexatrade/chain-rpc-router/internal/health"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/registry"
	"github.com/nexatrade/chain-rpc-router/internal/selector"
	"github.com/nexatrade/chain-rpc-router/internal/transport"
)

// ErrRetriesExhausted is the terminal retry failure. The concrete error
// is always an *ExhaustedError carrying the attempt context.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ExhaustedError surfaces the last underlying error together with enough
// context (chain, method, attempted providers) for the caller to decide
// whether to fail loudly or degrade.
type ExhaustedError struct {
	Chain     string
	Method    string
	Attempts  int
	Providers []string
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s %s after %d attempts (providers: %s): %v",
		e.Chain, e.Method, e.Attempts, strings.Join(e.Providers, ","), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// Request is one logical RPC call. Immutable after creation except the
// retry counter.
type Request struct {
	Method         string
	Params         []any
	Chain          string
	Urgency        selector.Urgency
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	PinnedProvider string
}

// Config tunes retry and caching behavior.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// RetryableCodes are JSON-RPC error codes treated as transient.
	// Any other provider error is surfaced immediately.
	RetryableCodes []int
	CacheTTL       time.Duration
	CacheSize      int
	// CacheableMethods are idempotent reads served from the short-TTL cache.
	CacheableMethods []string
}

// Executor issues one RPC call against a selected provider, records the
// outcome, and handles retry/failover. Failover (switch provider) and
// retry (same logical request, new attempt) stay orthogonal: a retry
// lands on the failed provider only when it is the sole survivor of
// selection.
type Executor struct {
	cfg       Config
	selector  *selector.Selector
	tracker   *health.Tracker
	transport transport.Caller
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *monitoring.Metrics
	retryable map[int]bool
	cache     *readCache
}

func New(cfg Config, sel *selector.Selector, tracker *health.Tracker, caller transport.Caller, clk clock.Clock, metrics *monitoring.Metrics, logger *slog.Logger) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	retryable := make(map[int]bool, len(cfg.RetryableCodes))
	for _, code := range cfg.RetryableCodes {
		retryable[code] = true
	}
	return &Executor{
		cfg:       cfg,
		selector:  sel,
		tracker:   tracker,
		transport: caller,
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
		retryable: retryable,
		cache:     newReadCache(cfg.CacheableMethods, cfg.CacheSize, cfg.CacheTTL),
	}
}

// NewRequest builds a request with the executor's default retry bound.
func (e *Executor) NewRequest(chain, method string, params []any, urgency selector.Urgency) *Request {
	return &Request{
		Method:     method,
		Params:     params,
		Chain:      chain,
		Urgency:    urgency,
		MaxRetries: e.cfg.MaxRetries,
		CreatedAt:  e.clock.Now().UTC(),
	}
}

// Execute resolves the request, retrying with exponential backoff and
// failing over to other providers. For maxRetries = N it makes at most
// N+1 attempts before returning an ExhaustedError.
func (e *Executor) Execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	if result, ok := e.cache.get(req.Chain, req.Method, req.Params); ok {
		return result, nil
	}

	exclude := make(map[string]bool)
	attempted := make([]string, 0, req.MaxRetries+1)
	var lastErr error

	for {
		p, err := e.pick(req, exclude)
		if err != nil {
			if lastErr != nil {
				return nil, &ExhaustedError{
					Chain:     req.Chain,
					Method:    req.Method,
					Attempts:  len(attempted),
					Providers: attempted,
					Last:      lastErr,
				}
			}
			return nil, err
		}

		start := e.clock.Now()
		result, err := e.transport.Call(ctx, p, req.Method, req.Params, p.Timeout)
		latency := e.clock.Now().Sub(start)
		attempted = append(attempted, p.ID)

		if err == nil {
			e.tracker.RecordOutcome(p.ID, true, latency)
			e.tracker.RecordCost(p.ID, p.CostPerCall)
			e.metrics.RecordRequest(p.ID, req.Chain, true, latency)
			e.cache.put(req.Chain, req.Method, req.Params, result)
			return result, nil
		}

		e.tracker.RecordOutcome(p.ID, false, latency)
		e.metrics.RecordRequest(p.ID, req.Chain, false, latency)
		lastErr = err

		var perr *transport.ProviderError
		if errors.As(err, &perr) && !e.retryable[perr.Code] {
			// Application-level error; retrying elsewhere won't change it.
			return nil, err
		}

		if req.RetryCount >= req.MaxRetries {
			return nil, &ExhaustedError{
				Chain:     req.Chain,
				Method:    req.Method,
				Attempts:  len(attempted),
				Providers: attempted,
				Last:      lastErr,
			}
		}

		req.RetryCount++
		backoff := e.cfg.RetryDelay * (1 << req.RetryCount)
		e.logger.Debug("Retrying request",
			"chain", req.Chain,
			"method", req.Method,
			"failed_provider", p.ID,
			"retry", req.RetryCount,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clock.After(backoff):
		}
		exclude[p.ID] = true
	}
}

// pick chooses the provider for the next attempt. A pinned provider is
// honored while it still passes the health filters. When the exclusion
// set empties the candidate list, selection runs once more without it so
// a sole-survivor provider can absorb the retry.
func (e *Executor) pick(req *Request, exclude map[string]bool) (registry.Provider, error) {
	if req.PinnedProvider != "" && !exclude[req.PinnedProvider] {
		if p, ok := e.selector.Pinned(req.PinnedProvider, req.Chain); ok {
			return p, nil
		}
	}

	candidates, err := e.selector.SelectExcluding(req.Chain, req.Urgency, exclude)
	if err == nil {
		return candidates[0], nil
	}
	if len(exclude) > 0 {
		candidates, err = e.selector.Select(req.Chain, req.Urgency)
		if err == nil {
			return candidates[0], nil
		}
	}
	return registry.Provider{}, err
}
