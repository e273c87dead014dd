package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexatrade/chain-rpc-router/internal/events"
	"github.com/nexatrade/chain-rpc-router/internal/health"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/registry"
	"github.com/nexatrade/chain-rpc-router/internal/selector"
	"github.com/nexatrade/chain-rpc-router/internal/testhelpers"
	"github.com/nexatrade/chain-rpc-router/internal/transport"
)

type execFixture struct {
	executor *Executor
	registry *registry.Registry
	tracker  *health.Tracker
	caller   *testhelpers.FakeCaller
}

func newExecFixture(t *testing.T, cfg Config) *execFixture {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := registry.New()
	p1 := testhelpers.NewTestProvider("p1", "ethereum", registry.TierPremium)
	p1.Priority = 100
	p2 := testhelpers.NewTestProvider("p2", "ethereum", registry.TierStandard)
	p2.Priority = 50
	require.NoError(t, reg.Register(p1))
	require.NoError(t, reg.Register(p2))

	// Real clock with millisecond backoff keeps retry tests fast without
	// having to advance a mock during Execute.
	clk := clock.New()
	metrics := monitoring.New(false)
	tr := health.NewTracker(clk, bus, metrics, testhelpers.NewTestLogger(), health.Options{})
	tr.Track("p1", "ethereum", 0)
	tr.Track("p2", "ethereum", 0)
	sel := selector.New(reg, tr, metrics, nil)

	caller := testhelpers.NewFakeCaller()
	exec := New(cfg, sel, tr, caller, clk, metrics, testhelpers.NewTestLogger())
	return &execFixture{executor: exec, registry: reg, tracker: tr, caller: caller}
}

func defaultConfig() Config {
	return Config{
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		RetryableCodes: []int{-32005, -32603},
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Respond("p1", `"0x10"`)

	req := f.executor.NewRequest("ethereum", "eth_blockNumber", nil, selector.UrgencyCritical)
	result, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x10"`), result)
	assert.Equal(t, []string{"p1"}, f.caller.Calls())

	s, ok := f.tracker.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, int64(1), s.SuccessfulRequests)
	assert.InDelta(t, 0.001, s.CostToday, 1e-9)
}

func TestFailoverToNextProvider(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Fail("p1", &transport.TransportError{Provider: "p1", Err: errors.New("connection reset")})
	f.caller.Respond("p2", `"0x20"`)

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
	result, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x20"`), result)
	assert.Equal(t, []string{"p1", "p2"}, f.caller.Calls())
	assert.Equal(t, 1, req.RetryCount)

	s, _ := f.tracker.Snapshot("p1")
	assert.Equal(t, int64(1), s.FailedRequests)
}

func TestRetriesExhausted(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Fail("p1", &transport.TransportError{Provider: "p1", Err: errors.New("timeout")})
	f.caller.Fail("p2", &transport.TransportError{Provider: "p2", Err: errors.New("timeout")})

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
	_, err := f.executor.Execute(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "ethereum", exhausted.Chain)
	assert.Equal(t, "eth_call", exhausted.Method)
	// maxRetries = 2 bounds total work at 3 attempts.
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Len(t, exhausted.Providers, 3)
	assert.Equal(t, 3, f.caller.CallCount())
}

func TestRetryBoundWithSingleRetry(t *testing.T) {
	f := newExecFixture(t, Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	f.caller.Fail("p1", &transport.TransportError{Provider: "p1", Err: errors.New("timeout")})
	f.caller.Fail("p2", &transport.TransportError{Provider: "p2", Err: errors.New("timeout")})

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
	_, err := f.executor.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []string{"p1", "p2"}, f.caller.Calls())
}

func TestSingleProviderRetriesInPlace(t *testing.T) {
	f := newExecFixture(t, Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	f.caller.Fail("p1", &transport.TransportError{Provider: "p1", Err: errors.New("timeout")})

	// Exclude p2 by blacklisting, leaving p1 as the sole survivor: the
	// retry lands back on it rather than failing with no candidates.
	f.tracker.Blacklist("p2", time.Hour)

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
	_, err := f.executor.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, []string{"p1", "p1"}, f.caller.Calls())
}

func TestNonRetryableProviderError(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Fail("p1", &transport.ProviderError{Provider: "p1", Code: -32601, Message: "method not found"})
	f.caller.Respond("p2", `"0x1"`)

	req := f.executor.NewRequest("ethereum", "eth_unknown", nil, selector.UrgencyCritical)
	_, err := f.executor.Execute(context.Background(), req)
	require.Error(t, err)

	var perr *transport.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, -32601, perr.Code)
	// Application-level errors are not retried anywhere.
	assert.Equal(t, 1, f.caller.CallCount())
}

func TestRetryableProviderErrorFailsOver(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Fail("p1", &transport.ProviderError{Provider: "p1", Code: -32005, Message: "limit exceeded"})
	f.caller.Respond("p2", `"0x1"`)

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
	result, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0x1"`), result)
	assert.Equal(t, []string{"p1", "p2"}, f.caller.Calls())
}

func TestPinnedProvider(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Respond("p1", `"from-p1"`)
	f.caller.Respond("p2", `"from-p2"`)

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyMedium)
	req.PinnedProvider = "p2"

	result, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"from-p2"`), result)
	assert.Equal(t, []string{"p2"}, f.caller.Calls())
}

func TestPinnedProviderRankedBelowSpread(t *testing.T) {
	f := newExecFixture(t, defaultConfig())

	// Two more providers push the pinned one to fourth place, outside the
	// non-critical selection spread. Pinning must still win.
	p3 := testhelpers.NewTestProvider("p3", "ethereum", registry.TierStandard)
	p3.Priority = 40
	p4 := testhelpers.NewTestProvider("p4", "ethereum", registry.TierFallback)
	require.NoError(t, f.registry.Register(p3))
	require.NoError(t, f.registry.Register(p4))
	f.tracker.Track("p3", "ethereum", 0)
	f.tracker.Track("p4", "ethereum", 0)
	f.caller.Respond("p4", `"from-p4"`)

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyMedium)
	req.PinnedProvider = "p4"

	result, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"from-p4"`), result)
	assert.Equal(t, []string{"p4"}, f.caller.Calls())
}

func TestPinnedProviderWrongChainIgnored(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Respond("p1", `"from-p1"`)

	p3 := testhelpers.NewTestProvider("p3", "bsc", registry.TierPremium)
	require.NoError(t, f.registry.Register(p3))
	f.tracker.Track("p3", "bsc", 0)

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
	req.PinnedProvider = "p3"

	result, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"from-p1"`), result)
}

func TestPinnedProviderFallsBackWhenIneligible(t *testing.T) {
	f := newExecFixture(t, defaultConfig())
	f.caller.Respond("p1", `"from-p1"`)
	f.tracker.Blacklist("p2", time.Hour)

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyMedium)
	req.PinnedProvider = "p2"

	result, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"from-p1"`), result)
}

func TestNoProviderAvailable(t *testing.T) {
	f := newExecFixture(t, defaultConfig())

	req := f.executor.NewRequest("solana", "getSlot", nil, selector.UrgencyMedium)
	_, err := f.executor.Execute(context.Background(), req)
	assert.ErrorIs(t, err, selector.ErrNoProviderAvailable)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestReadCache(t *testing.T) {
	cfg := defaultConfig()
	cfg.CacheTTL = time.Minute
	cfg.CacheSize = 16
	cfg.CacheableMethods = []string{"eth_blockNumber"}

	f := newExecFixture(t, cfg)
	f.caller.Respond("p1", `"0x100"`)

	for i := 0; i < 3; i++ {
		req := f.executor.NewRequest("ethereum", "eth_blockNumber", nil, selector.UrgencyCritical)
		result, err := f.executor.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`"0x100"`), result)
	}
	// Duplicate reads are served from the cache.
	assert.Equal(t, 1, f.caller.CallCount())

	// Different params miss.
	req := f.executor.NewRequest("ethereum", "eth_blockNumber", []any{"latest"}, selector.UrgencyCritical)
	_, err := f.executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.caller.CallCount())

	// Non-cacheable methods always hit the transport.
	for i := 0; i < 2; i++ {
		req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
		_, err := f.executor.Execute(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, f.caller.CallCount())
}

func TestContextCancelledDuringBackoff(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetryDelay = time.Second

	f := newExecFixture(t, cfg)
	f.caller.Fail("p1", &transport.TransportError{Provider: "p1", Err: errors.New("timeout")})
	f.caller.Fail("p2", &transport.TransportError{Provider: "p2", Err: errors.New("timeout")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := f.executor.NewRequest("ethereum", "eth_call", nil, selector.UrgencyCritical)
	_, err := f.executor.Execute(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.caller.CallCount())
}
