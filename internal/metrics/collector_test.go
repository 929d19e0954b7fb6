package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/connpool/pool"
	tu "github.com/BaSui01/connpool/testutil"
	"github.com/BaSui01/connpool/testutil/mocks"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.checkouts)
	assert.NotNil(t, collector.partitionFree)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/health", 200, 10*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 200, 5*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 503, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "5xx")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.httpRequestDuration))
}

func TestCollector_LifecycleHooks(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())
	connector := mocks.NewMockConnector()
	p := tu.NewTestPool(t, connector, tu.FastConfig(), pool.WithHook(pool.MultiHook(pool.BaseHook{}, collector)))

	ctx := tu.TestContext(t)
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h, err = p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.connectionsCreated.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.checkouts.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.checkins.WithLabelValues("0")))

	p.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.connectionsDestroyed.WithLabelValues("0")))
}

func TestCollector_ConnectionHealthHooks(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())
	connector := mocks.NewMockConnector().WithExecDelay(60 * time.Millisecond)

	cfg := tu.FastConfig()
	cfg.QueryExecuteTimeLimit = 20 * time.Millisecond
	p := tu.NewTestPool(t, connector, cfg, pool.WithHook(pool.MultiHook(pool.BaseHook{}, collector)))

	ctx := tu.TestContext(t)
	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = h.Exec(ctx, "UPDATE t SET n = n + 1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.queryTimeLimitExceeded.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.possiblyBroken.WithLabelValues("0", "")))

	connector.Conns()[0].SetExec(0, &mocks.StateError{State: "08006"})
	_, err = h.Exec(ctx, "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.connectionExceptions.WithLabelValues("0", "08006")))
	require.NoError(t, h.Close())
}

func TestCollector_RecordStats(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())
	connector := mocks.NewMockConnector()

	cfg := tu.FastConfig()
	cfg.PoolName = "orders"
	cfg.PartitionCount = 2
	p := tu.NewTestPool(t, connector, cfg)

	ctx := tu.TestContext(t)
	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, h2.Close())

	collector.RecordStats(p.Stats())

	leased := testutil.ToFloat64(collector.partitionLeased.WithLabelValues("orders", "0")) +
		testutil.ToFloat64(collector.partitionLeased.WithLabelValues("orders", "1"))
	free := testutil.ToFloat64(collector.partitionFree.WithLabelValues("orders", "0")) +
		testutil.ToFloat64(collector.partitionFree.WithLabelValues("orders", "1"))
	assert.Equal(t, 1.0, leased)
	assert.Equal(t, 1.0, free)
	assert.Equal(t, 2, testutil.CollectAndCount(collector.partitionAllocated))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.acquireFailures.WithLabelValues("orders")))

	require.NoError(t, h1.Close())
}

func TestCollector_RecordStatsAfterFailure(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())
	connector := mocks.NewMockConnector().WithConnectError(mocks.ErrConnectRefused)

	cfg := tu.FastConfig()
	cfg.PoolName = "down"
	p := tu.NewTestPool(t, connector, cfg)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)

	collector.RecordStats(p.Stats())
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.acquireFailures.WithLabelValues("down")))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}
