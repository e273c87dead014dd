package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexatrade/chain-rpc-router/internal/events"
	"github.com/nexatrade/chain-rpc-router/internal/monitoring"
	"github.com/nexatrade/chain-rpc-router/internal/registry"
	"github.com/nexatrade/chain-rpc-router/internal/testhelpers"
)

func newTestPool(t *testing.T, cfg Config, clk clock.Clock) (*Pool, *registry.Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := registry.New()
	p1 := testhelpers.NewTestProvider("p1", "ethereum", registry.TierPremium)
	p1.MaxConnections = cfg.MaxPerProvider
	require.NoError(t, reg.Register(p1))

	pool, err := New(cfg, reg, clk, bus, monitoring.New(false), testhelpers.NewTestLogger(), nil)
	require.NoError(t, err)
	return pool, reg, bus
}

func waitForWaiters(t *testing.T, p *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().Waiting == n
	}, 2*time.Second, time.Millisecond)
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 4}, clock.New())

	c1, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.True(t, c1.Busy)
	assert.Equal(t, int64(1), c1.RequestCount)

	require.NoError(t, p.Release(c1.ID))

	c2, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, int64(2), c2.RequestCount)
}

func TestLeaseIsExclusive(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 2}, clock.New())

	c1, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)

	s := p.Stats()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 2, s.Busy)
	assert.Equal(t, 0, s.Idle)
}

func TestAcquireUnknownProvider(t *testing.T) {
	p, _, _ := newTestPool(t, Config{}, clock.New())

	_, err := p.Acquire(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, registry.ErrUnknownProvider)
}

func TestWaiterServedOnRelease(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, AcquireTimeout: time.Minute}, clock.New())

	c1, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	got := make(chan Connection, 1)
	go func() {
		c, err := p.Acquire(context.Background(), "p1", 0)
		if err == nil {
			got <- c
		}
	}()

	waitForWaiters(t, p, 1)
	require.NoError(t, p.Release(c1.ID))

	select {
	case c := <-got:
		assert.Equal(t, c1.ID, c.ID)
		assert.True(t, c.Busy)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served")
	}
}

func TestWaiterPriorityThenFIFO(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, AcquireTimeout: time.Minute}, clock.New())

	holder, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	served := make(chan int, 3)
	spawn := func(label, priority int) {
		go func() {
			c, err := p.Acquire(context.Background(), "p1", priority)
			if err != nil {
				return
			}
			served <- label
			_ = p.Release(c.ID)
		}()
	}

	// Enqueue in strict order so the seq tiebreak is observable.
	spawn(1, 5)
	waitForWaiters(t, p, 1)
	spawn(2, 10)
	waitForWaiters(t, p, 2)
	spawn(3, 5)
	waitForWaiters(t, p, 3)

	require.NoError(t, p.Release(holder.ID))

	var order []int
	for i := 0; i < 3; i++ {
		select {
		case label := <-served:
			order = append(order, label)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d waiters served", len(order))
		}
	}

	// Highest priority first; equal priorities in arrival order.
	assert.Equal(t, []int{2, 1, 3}, order)
}

func TestAcquireTimeout(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, AcquireTimeout: 30 * time.Millisecond}, clock.New())

	_, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "p1", 0)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Equal(t, 0, p.Stats().Waiting)
}

func TestAcquireContextCancelled(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, AcquireTimeout: time.Minute}, clock.New())

	_, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx, "p1", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDestroyReplacesForWaiter(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, AcquireTimeout: time.Minute}, clock.New())

	c1, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	got := make(chan Connection, 1)
	go func() {
		c, err := p.Acquire(context.Background(), "p1", 0)
		if err == nil {
			got <- c
		}
	}()

	waitForWaiters(t, p, 1)
	require.NoError(t, p.Destroy(c1.ID))

	select {
	case c := <-got:
		assert.NotEqual(t, c1.ID, c.ID)
		assert.True(t, c.Busy)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served a replacement")
	}
}

func TestReleaseOfInactiveConnectionServesWaiter(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, FailureThreshold: 1, AcquireTimeout: time.Minute}, clock.New())

	c1, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	got := make(chan Connection, 1)
	go func() {
		c, err := p.Acquire(context.Background(), "p1", 0)
		if err == nil {
			got <- c
		}
	}()
	waitForWaiters(t, p, 1)

	// The lease fails past the threshold while a waiter is queued.
	// Releasing destroys it, and the freed capacity must go to the
	// waiter as a fresh connection, not leave it to time out.
	p.RecordResult(c1.ID, false, 0)
	require.NoError(t, p.Release(c1.ID))

	select {
	case c := <-got:
		assert.NotEqual(t, c1.ID, c.ID)
		assert.True(t, c.Busy)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served a replacement")
	}
}

func TestCleanupReplacesInactiveForWaiter(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, FailureThreshold: 1, AcquireTimeout: time.Minute}, clock.New())
	p.SetProbe(func(context.Context, string) error { return errors.New("unreachable") })

	c1, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(c1.ID))

	// The idle connection fails its health check and goes inactive, so
	// the next acquire has to queue.
	p.HealthTick(context.Background())

	got := make(chan Connection, 1)
	go func() {
		c, err := p.Acquire(context.Background(), "p1", 0)
		if err == nil {
			got <- c
		}
	}()
	waitForWaiters(t, p, 1)

	p.CleanupTick()

	select {
	case c := <-got:
		assert.NotEqual(t, c1.ID, c.ID)
		assert.True(t, c.Busy)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after cleanup")
	}
}

func TestWaiterTimeoutDuringHandoffReturnsLease(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, AcquireTimeout: time.Millisecond}, clock.New())
	ctx := context.Background()

	// Race the acquire timeout against the release handover. Whichever
	// side wins, the lease must end up back in rotation instead of
	// sitting unread in an abandoned waiter channel.
	for i := 0; i < 200; i++ {
		holder, err := p.Acquire(ctx, "p1", 0)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if c, err := p.Acquire(ctx, "p1", 0); err == nil {
				_ = p.Release(c.ID)
			}
		}()

		time.Sleep(time.Millisecond)
		require.NoError(t, p.Release(holder.ID))
		<-done

		require.Eventually(t, func() bool { return p.Stats().Busy == 0 },
			time.Second, 100*time.Microsecond)
	}
}

func TestReleaseUnknownConnection(t *testing.T) {
	p, _, _ := newTestPool(t, Config{}, clock.New())
	assert.ErrorIs(t, p.Release("nope"), ErrUnknownConnection)
	assert.ErrorIs(t, p.Destroy("nope"), ErrUnknownConnection)
}

func TestRecordResult(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, FailureThreshold: 3}, clock.New())

	c, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	p.RecordResult(c.ID, true, 100*time.Millisecond)
	got, ok := p.Get(c.ID)
	require.True(t, ok)
	assert.InDelta(t, 100, got.AvgResponseMs, 1e-9)
	assert.Equal(t, float64(fullHealthScore), got.HealthScore)

	p.RecordResult(c.ID, true, 200*time.Millisecond)
	got, _ = p.Get(c.ID)
	assert.InDelta(t, 120, got.AvgResponseMs, 1e-9)

	// Failures below the threshold degrade the score but keep the
	// connection in rotation.
	p.RecordResult(c.ID, false, 0)
	p.RecordResult(c.ID, false, 0)
	got, _ = p.Get(c.ID)
	assert.True(t, got.Active)
	assert.InDelta(t, 60, got.HealthScore, 1e-9)

	p.RecordResult(c.ID, false, 0)
	got, _ = p.Get(c.ID)
	assert.False(t, got.Active)

	// An inactive connection is destroyed on release, not reused.
	require.NoError(t, p.Release(c.ID))
	_, ok = p.Get(c.ID)
	assert.False(t, ok)
}

func TestScaleUpConverges(t *testing.T) {
	p, _, bus := newTestPool(t, Config{MaxPerProvider: 3, HighWater: 0.8, LowWater: 0.2}, clock.New())
	ch := bus.Subscribe()

	_, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	// 2/2 busy is above the high-water mark: one idle connection appears.
	p.ScaleTick()
	s := p.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Idle)

	select {
	case e := <-ch:
		assert.Equal(t, events.PoolScaling, e.Type)
		assert.Equal(t, "p1", e.Provider)
	case <-time.After(time.Second):
		t.Fatal("scale event not published")
	}

	// 2/3 busy is back under the mark: utilization has converged.
	p.ScaleTick()
	assert.Equal(t, 3, p.Stats().Total)
}

func TestScaleUpRespectsCeiling(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 2, HighWater: 0.8, LowWater: 0.2}, clock.New())

	_, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	p.ScaleTick()
	assert.Equal(t, 2, p.Stats().Total)
}

func TestScaleDown(t *testing.T) {
	p, _, _ := newTestPool(t, Config{
		MaxPerProvider: 4,
		MinConnections: 1,
		HighWater:      0.8,
		LowWater:       0.2,
	}, clock.New())

	c1, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(c1.ID))
	require.NoError(t, p.Release(c2.ID))

	// 0/2 busy is under the low-water mark: one idle connection goes.
	p.ScaleTick()
	assert.Equal(t, 1, p.Stats().Total)

	// The floor holds even at zero utilization.
	p.ScaleTick()
	assert.Equal(t, 1, p.Stats().Total)
}

func TestCleanupIdleTimeout(t *testing.T) {
	mock := clock.NewMock()
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 2, IdleTimeout: time.Minute}, mock)

	c, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(c.ID))

	p.CleanupTick()
	assert.Equal(t, 1, p.Stats().Total)

	mock.Add(2 * time.Minute)
	p.CleanupTick()
	assert.Equal(t, 0, p.Stats().Total)
}

func TestCleanupMaxAgeEvictsBusyOnRelease(t *testing.T) {
	mock := clock.NewMock()
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 2, MaxAge: time.Minute}, mock)

	c, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	mock.Add(2 * time.Minute)
	p.CleanupTick()

	// Busy connections are only marked; the lease stays valid.
	got, ok := p.Get(c.ID)
	require.True(t, ok)
	assert.False(t, got.Active)

	require.NoError(t, p.Release(c.ID))
	_, ok = p.Get(c.ID)
	assert.False(t, ok)
}

func TestHealthTickMarksFailingConnections(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 2, FailureThreshold: 2}, clock.New())
	p.SetProbe(func(context.Context, string) error {
		return errors.New("probe failed")
	})

	c, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(c.ID))

	p.HealthTick(context.Background())
	got, _ := p.Get(c.ID)
	assert.True(t, got.Active)
	assert.Equal(t, 1, got.ConsecutiveErrors)

	p.HealthTick(context.Background())
	got, _ = p.Get(c.ID)
	assert.False(t, got.Active)

	p.CleanupTick()
	_, ok := p.Get(c.ID)
	assert.False(t, ok)
}

func TestHealthTickRecovery(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 2, FailureThreshold: 3}, clock.New())

	fail := true
	p.SetProbe(func(context.Context, string) error {
		if fail {
			return errors.New("probe failed")
		}
		return nil
	})

	c, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(c.ID))

	p.HealthTick(context.Background())
	p.HealthTick(context.Background())
	got, _ := p.Get(c.ID)
	assert.Equal(t, 2, got.ConsecutiveErrors)
	assert.InDelta(t, 60, got.HealthScore, 1e-9)

	// One good probe resets the consecutive counter.
	fail = false
	p.HealthTick(context.Background())
	got, _ = p.Get(c.ID)
	assert.Equal(t, 0, got.ConsecutiveErrors)
	assert.InDelta(t, 65, got.HealthScore, 1e-9)
}

func TestDrain(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1, AcquireTimeout: time.Minute}, clock.New())

	holder, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "p1", 0)
		waiterErr <- err
	}()
	waitForWaiters(t, p, 1)

	drained := make(chan error, 1)
	go func() {
		drained <- p.Drain(context.Background())
	}()

	// Drain rejects queued waiters immediately.
	select {
	case err := <-waiterErr:
		assert.ErrorIs(t, err, ErrPoolDraining)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not rejected")
	}

	// Drain completes once the last lease is released.
	require.NoError(t, p.Release(holder.ID))
	select {
	case err := <-drained:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}

	_, err = p.Acquire(context.Background(), "p1", 0)
	assert.ErrorIs(t, err, ErrPoolDraining)
}

func TestDrainTimeout(t *testing.T) {
	p, _, _ := newTestPool(t, Config{MaxPerProvider: 1}, clock.New())

	_, err := p.Acquire(context.Background(), "p1", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
}
