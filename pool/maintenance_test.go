package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkoutN leases n handles and returns them to the free-list.
func checkoutN(t *testing.T, p *Pool, n int) []*Handle {
	t.Helper()
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := p.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Close())
	}
	return handles
}

func TestSweepMaxAge_EvictsExpiredAndReportsNextCheck(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionAge = time.Hour
	hook := &countingHook{}
	p := newTestPool(t, cfg, hook, &fakeConnector{})

	hs := checkoutN(t, p, 3)
	hs[0].createdAt = time.Now().Add(-2 * time.Hour)
	hs[1].createdAt = time.Now().Add(-time.Hour)
	hs[2].createdAt = time.Now().Add(-50 * time.Minute)

	next := p.sweepMaxAge(p.partitions[0])

	assert.True(t, hs[0].IsClosed())
	assert.True(t, hs[1].IsClosed())
	assert.False(t, hs[2].IsClosed())
	assert.Equal(t, 1, p.TotalFree())
	assert.Equal(t, int32(2), hook.destroy.Load())
	assert.LessOrEqual(t, next, 10*time.Minute)
	assert.Greater(t, next, 9*time.Minute)
}

func TestSweepMaxAge_LIFOReturnsSurvivorsToColdEnd(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionAge = time.Hour
	cfg.ServiceOrder = LIFO
	p := newTestPool(t, cfg, nil, &fakeConnector{})

	hs := checkoutN(t, p, 2)
	// Released in order 0,1 under LIFO: head is hs[1].
	p.sweepMaxAge(p.partitions[0])

	// Each survivor went to the tail, so the order is preserved.
	assert.Same(t, hs[1], p.partitions[0].poll())
	assert.Same(t, hs[0], p.partitions[0].poll())
}

func TestSweeps_SkipThrottleAfterEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionAge = time.Hour
	cfg.IdleMaxAge = time.Hour
	cfg.SweepThrottle = 500 * time.Millisecond
	p := newTestPool(t, cfg, nil, &fakeConnector{})
	part := p.partitions[0]

	hs := checkoutN(t, p, 3)
	for _, h := range hs {
		h.createdAt = time.Now().Add(-2 * time.Hour)
	}
	start := time.Now()
	p.sweepMaxAge(part)
	assert.Less(t, time.Since(start), cfg.SweepThrottle)
	assert.Zero(t, p.TotalFree())

	hs = checkoutN(t, p, 3)
	for _, h := range hs {
		h.lastUsed.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	}
	start = time.Now()
	p.sweepIdle(part)
	assert.Less(t, time.Since(start), cfg.SweepThrottle)
	assert.Zero(t, p.TotalFree())
}

func TestAcquire_NeverHandsOutExpiredHandle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnectionAge = time.Hour
	p := newTestPool(t, cfg, nil, &fakeConnector{})

	old := checkoutN(t, p, 1)[0]
	old.createdAt = time.Now().Add(-time.Hour)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), h.ID())
	assert.True(t, old.IsClosed())
	require.NoError(t, h.Close())
}

func TestMaxAgeLoop_ReplacesExpiredConnections(t *testing.T) {
	cfg := testConfig()
	cfg.LazyInit = false
	cfg.MinConnectionsPerPartition = 1
	cfg.MaxConnectionAge = 100 * time.Millisecond
	hook := &countingHook{}
	connector := &fakeConnector{}
	p := newTestPool(t, cfg, hook, connector)

	first := connector.all()[0]
	assert.Eventually(t, func() bool {
		return first.IsClosed() && hook.destroy.Load() >= 1 && p.TotalCreated() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, len(connector.all()), 2)
}

func TestSweepIdle_ProbesAndEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.IdleConnectionTestPeriod = time.Hour
	cfg.IdleMaxAge = 2 * time.Hour
	hook := &countingHook{}
	p := newTestPool(t, cfg, hook, &fakeConnector{})

	hs := checkoutN(t, p, 4)
	conn := func(h *Handle) *fakeConn { return h.Conn().(*fakeConn) }
	past := func(d time.Duration) int64 { return time.Now().Add(-d).UnixNano() }

	// 0: idle past IdleMaxAge, evicted without a probe.
	hs[0].lastUsed.Store(past(3 * time.Hour))
	// 1: test period elapsed, probe fails.
	hs[1].lastTested.Store(past(90 * time.Minute))
	conn(hs[1]).setValid(errors.New("broken pipe"))
	// 2: test period elapsed, probe passes.
	hs[2].lastTested.Store(past(90 * time.Minute))
	// 3: fresh but possibly broken, probed eagerly.
	hs[3].possiblyBroken.Store(true)

	p.sweepIdle(p.partitions[0])

	assert.True(t, hs[0].IsClosed())
	assert.Zero(t, conn(hs[0]).probes.Load())
	assert.True(t, hs[1].IsClosed())
	assert.False(t, hs[2].IsClosed())
	assert.Equal(t, int32(1), conn(hs[2]).probes.Load())
	assert.WithinDuration(t, time.Now(), hs[2].lastTestedAt(), time.Minute)
	assert.False(t, hs[3].IsClosed())
	assert.False(t, hs[3].IsPossiblyBroken())
	assert.Equal(t, 2, p.TotalFree())
	assert.Equal(t, int32(2), hook.destroy.Load())
}

func TestSweepIdle_LeavesFreshConnectionsAlone(t *testing.T) {
	cfg := testConfig()
	cfg.IdleConnectionTestPeriod = time.Hour
	p := newTestPool(t, cfg, nil, &fakeConnector{})

	hs := checkoutN(t, p, 2)
	p.sweepIdle(p.partitions[0])

	for _, h := range hs {
		assert.False(t, h.IsClosed())
		assert.Zero(t, h.Conn().(*fakeConn).probes.Load())
	}
	assert.Equal(t, 2, p.TotalFree())
}

func TestWatch_ReplenishesAfterDestroy(t *testing.T) {
	cfg := testConfig()
	cfg.LazyInit = false
	cfg.MinConnectionsPerPartition = 2
	cfg.MaxConnectionsPerPartition = 4
	p := newTestPool(t, cfg, nil, &fakeConnector{})
	require.Equal(t, 2, p.TotalCreated())

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.broken.Store(true)
	require.NoError(t, h.Close())
	assert.True(t, h.IsClosed())

	assert.Eventually(t, func() bool {
		n := p.TotalCreated()
		return n >= 2 && n <= 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatch_LazyPoolFillsToMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 3
	cfg.MaxConnectionsPerPartition = 5
	cfg.AcquireIncrement = 2
	p := newTestPool(t, cfg, nil, &fakeConnector{})
	assert.Equal(t, 0, p.TotalCreated())

	// Rounded up to whole AcquireIncrement batches, bounded by max.
	assert.Eventually(t, func() bool { return p.TotalCreated() == 4 }, 3*time.Second, 10*time.Millisecond)
}

func TestReplenish_StopsAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 3
	cfg.MaxConnectionsPerPartition = 3
	cfg.AcquireIncrement = 5
	p := newTestPool(t, cfg, nil, &fakeConnector{})

	require.NoError(t, p.replenish(p.partitions[0]))
	assert.Equal(t, 3, p.TotalCreated())
	assert.Zero(t, p.deficit(p.partitions[0], p.Config()))
}

func TestReplenish_AvailabilityThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 1
	cfg.MaxConnectionsPerPartition = 10
	cfg.AcquireIncrement = 3
	cfg.PoolAvailabilityThreshold = 20
	p := newTestPool(t, cfg, nil, &fakeConnector{})

	part := p.partitions[0]
	assert.Equal(t, 3, p.deficit(part, p.Config()))

	require.NoError(t, p.replenish(part))
	// 3 free of 10 is above the 20% threshold.
	assert.Zero(t, p.deficit(part, p.Config()))
}

func TestReplenish_ReportsExhaustedRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MinConnectionsPerPartition = 1
	connector := &fakeConnector{}
	connector.failing.Store(true)
	p := newTestPool(t, cfg, nil, connector)

	err := p.replenish(p.partitions[0])
	assert.ErrorIs(t, err, errConnectRefused)
	assert.Equal(t, 0, p.TotalCreated())
}

func TestIdlePeriod(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, disabledSweepPeriod, idlePeriod(cfg))

	cfg.IdleConnectionTestPeriod = time.Minute
	cfg.IdleMaxAge = 30 * time.Second
	assert.Equal(t, 30*time.Second, idlePeriod(cfg))

	cfg.IdleMaxAge = 0
	assert.Equal(t, time.Minute, idlePeriod(cfg))

	cfg.IdleConnectionTestPeriod = time.Millisecond
	assert.Equal(t, minSweepDelay, idlePeriod(cfg))
}

func TestNextBackoff(t *testing.T) {
	d := nextBackoff(0)
	assert.Equal(t, startWatchBackoff, d)
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, maxWatchBackoff, d)
}
