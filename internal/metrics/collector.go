// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/connpool/pool"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。它同时是连接池的观察者 Hook（生命周期计数）
// 和统计快照的导出器（分区 Gauge）。
type Collector struct {
	pool.BaseHook

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 连接生命周期
	connectionsCreated   *prometheus.CounterVec
	connectionsDestroyed *prometheus.CounterVec
	checkouts            *prometheus.CounterVec
	checkins             *prometheus.CounterVec

	// 连接健康
	queryTimeLimitExceeded *prometheus.CounterVec
	possiblyBroken         *prometheus.CounterVec
	connectionExceptions   *prometheus.CounterVec

	// 分区快照
	partitionFree      *prometheus.GaugeVec
	partitionLeased    *prometheus.GaugeVec
	partitionAllocated *prometheus.GaugeVec

	// 池快照
	acquireFailures *prometheus.GaugeVec
	retryBudget     *prometheus.GaugeVec
	averageWait     *prometheus.GaugeVec
	cacheHitRatio   *prometheus.GaugeVec
	generation      *prometheus.GaugeVec

	logger *zap.Logger
}

var _ pool.Hook = (*Collector)(nil)

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	// HTTP 指标
	c.httpRequestsTotal = counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status")
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.connectionsCreated = counter("connections_created_total", "Backend connections opened", "partition")
	c.connectionsDestroyed = counter("connections_destroyed_total", "Backend connections closed", "partition")
	c.checkouts = counter("checkouts_total", "Connections handed to callers", "partition")
	c.checkins = counter("checkins_total", "Connections returned by callers", "partition")

	c.queryTimeLimitExceeded = counter("query_time_limit_exceeded_total", "Statements slower than the configured limit", "partition")
	c.possiblyBroken = counter("possibly_broken_total", "Connections marked possibly broken", "partition", "sql_state")
	c.connectionExceptions = counter("connection_exceptions_total", "Fatal connection errors", "partition", "sql_state")

	c.partitionFree = gauge("partition_free_connections", "Idle connections per partition", "pool", "partition")
	c.partitionLeased = gauge("partition_leased_connections", "Checked-out connections per partition", "pool", "partition")
	c.partitionAllocated = gauge("partition_allocated_connections", "Reserved or open connections per partition", "pool", "partition")

	c.acquireFailures = gauge("acquire_failures", "Cumulative failed acquisitions", "pool")
	c.retryBudget = gauge("acquire_retry_budget", "Remaining shared acquire retry attempts", "pool")
	c.averageWait = gauge("acquire_average_wait_seconds", "Average time callers waited for a connection", "pool")
	c.cacheHitRatio = gauge("statement_cache_hit_ratio", "Prepared statement cache hit ratio", "pool")
	c.generation = gauge("generation", "Times all connections were terminated", "pool")

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔌 连接池 Hook
// =============================================================================

func (c *Collector) OnAcquire(h *pool.Handle) {
	c.connectionsCreated.WithLabelValues(partitionLabel(h)).Inc()
}

func (c *Collector) OnCheckOut(h *pool.Handle) {
	c.checkouts.WithLabelValues(partitionLabel(h)).Inc()
}

func (c *Collector) OnCheckIn(h *pool.Handle) {
	c.checkins.WithLabelValues(partitionLabel(h)).Inc()
}

func (c *Collector) OnDestroy(h *pool.Handle) {
	c.connectionsDestroyed.WithLabelValues(partitionLabel(h)).Inc()
}

func (c *Collector) OnQueryExecuteTimeLimitExceeded(h *pool.Handle, query string, _ []any, elapsed time.Duration) {
	c.queryTimeLimitExceeded.WithLabelValues(partitionLabel(h)).Inc()
	c.logger.Debug("query time limit exceeded",
		zap.String("query", query),
		zap.Duration("elapsed", elapsed),
	)
}

func (c *Collector) OnMarkPossiblyBroken(h *pool.Handle, state string, _ error) pool.ConnectionState {
	c.possiblyBroken.WithLabelValues(partitionLabel(h), state).Inc()
	return pool.StateNop
}

func (c *Collector) OnConnectionException(h *pool.Handle, state string, _ error) bool {
	c.connectionExceptions.WithLabelValues(partitionLabel(h), state).Inc()
	return true
}

// =============================================================================
// 🗄️ 统计快照
// =============================================================================

// RecordStats 导出一次统计快照
func (c *Collector) RecordStats(s pool.Statistics) {
	for _, ps := range s.Partitions {
		idx := strconv.Itoa(ps.Index)
		c.partitionFree.WithLabelValues(s.PoolName, idx).Set(float64(ps.Free))
		c.partitionLeased.WithLabelValues(s.PoolName, idx).Set(float64(ps.Leased))
		c.partitionAllocated.WithLabelValues(s.PoolName, idx).Set(float64(ps.Allocated))
	}
	c.acquireFailures.WithLabelValues(s.PoolName).Set(float64(s.AcquireFailures))
	c.retryBudget.WithLabelValues(s.PoolName).Set(float64(s.RetryBudget))
	c.averageWait.WithLabelValues(s.PoolName).Set(s.AverageWait().Seconds())
	c.cacheHitRatio.WithLabelValues(s.PoolName).Set(s.CacheHitRatio())
	c.generation.WithLabelValues(s.PoolName).Set(float64(s.Generation))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func partitionLabel(h *pool.Handle) string {
	if h == nil {
		return "unknown"
	}
	return strconv.Itoa(h.Partition())
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
