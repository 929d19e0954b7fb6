package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/connpool/internal/worker"
	"github.com/BaSui01/connpool/types"
)

const instrumentationName = "github.com/BaSui01/connpool/pool"

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHook installs the lifecycle hook.
func WithHook(h Hook) Option {
	return func(p *Pool) {
		if h != nil {
			p.hooks.hook = h
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pool) {
		if tp != nil {
			p.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pool) {
		if mp != nil {
			p.meter = mp.Meter(instrumentationName)
		}
	}
}

// Pool 分区连接池
type Pool struct {
	cfgMu sync.RWMutex
	cfg   Config

	connector  Connector
	logger     *zap.Logger
	hooks      hookDispatcher
	partitions []*partition
	next       atomic.Uint32
	released   notifier
	limiter    *rate.Limiter
	helpers    *worker.Pool

	retryBudget atomic.Int32
	generation  atomic.Uint64
	dbDown      atomic.Bool
	closing     atomic.Bool
	closeOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats    statCounters
	tracer   trace.Tracer
	meter    metric.Meter
	waitHist metric.Float64Histogram
}

// New 创建连接池。除非设置 LazyInit，否则会先为每个分区建立最小连接数。
func New(ctx context.Context, connector Connector, cfg Config, opts ...Option) (*Pool, error) {
	if connector == nil {
		return nil, invalidConfig("connector is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.sanitize()

	p := &Pool{
		cfg:       cfg,
		connector: connector,
		logger:    zap.NewNop(),
		hooks:     hookDispatcher{hook: BaseHook{}},
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "connpool"), zap.String("pool", cfg.PoolName))
	p.hooks.logger = p.logger
	p.retryBudget.Store(int32(cfg.AcquireRetryAttempts))
	p.limiter = rate.NewLimiter(replenishRate, replenishBurst(cfg))

	hist, err := p.meter.Float64Histogram("connpool.acquire.wait",
		metric.WithDescription("Time spent waiting for a connection in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	if err != nil {
		p.logger.Warn("failed to create acquire wait histogram", zap.Error(err))
		hist, _ = noop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("connpool.acquire.wait")
	}
	p.waitHist = hist

	p.partitions = make([]*partition, cfg.PartitionCount)
	for i := range p.partitions {
		p.partitions[i] = newPartition(i, cfg)
	}
	if cfg.ReleaseHelperThreads > 0 {
		p.helpers = worker.New(worker.Config{
			Workers:   cfg.ReleaseHelperThreads,
			QueueSize: cfg.ReleaseHelperThreads * cfg.MaxConnectionsPerPartition * cfg.PartitionCount,
		}, p.logger)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if !cfg.LazyInit {
		if err := p.fill(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("initial fill: %w", err)
		}
	}

	for _, part := range p.partitions {
		p.wg.Add(3)
		go p.watch(part)
		go p.maxAgeLoop(part)
		go p.idleLoop(part)
	}

	p.logger.Info("connection pool started",
		zap.Int("partitions", cfg.PartitionCount),
		zap.Int("min_per_partition", cfg.MinConnectionsPerPartition),
		zap.Int("max_per_partition", cfg.MaxConnectionsPerPartition),
		zap.String("service_order", string(cfg.ServiceOrder)),
		zap.Bool("lazy_init", cfg.LazyInit))
	return p, nil
}

// fill creates the minimum number of connections in every partition in parallel.
func (p *Pool) fill(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range p.partitions {
		g.Go(func() error {
			for int(part.allocated.Load()) < int(part.min.Load()) {
				if !part.tryReserve() {
					return nil
				}
				h, err := p.createWithRetry(gctx, part)
				if err != nil {
					part.unreserve()
					return err
				}
				p.requeue(h, false)
			}
			return nil
		})
	}
	return g.Wait()
}

// Config returns the active configuration.
func (p *Pool) Config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// Reconfigure applies cfg to a running pool and restores the shared retry
// budget. PartitionCount and ReleaseHelperThreads keep their startup values.
func (p *Pool) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.sanitize()
	p.cfgMu.Lock()
	old := p.cfg
	if cfg.PartitionCount != old.PartitionCount {
		p.logger.Warn("partition_count cannot change at runtime",
			zap.Int("current", old.PartitionCount), zap.Int("requested", cfg.PartitionCount))
		cfg.PartitionCount = old.PartitionCount
	}
	cfg.ReleaseHelperThreads = old.ReleaseHelperThreads
	p.cfg = cfg
	p.cfgMu.Unlock()

	for _, part := range p.partitions {
		part.apply(cfg)
		part.notify()
	}
	// 等待中的调用方重新检查容量
	p.released.broadcast()
	p.limiter.SetBurst(replenishBurst(cfg))
	p.ResetAcquireRetry()
	p.logger.Info("pool reconfigured",
		zap.Int("min_per_partition", cfg.MinConnectionsPerPartition),
		zap.Int("max_per_partition", cfg.MaxConnectionsPerPartition),
		zap.Int("acquire_retry_attempts", cfg.AcquireRetryAttempts))
	return nil
}

// ResetAcquireRetry restores the shared retry budget to AcquireRetryAttempts.
func (p *Pool) ResetAcquireRetry() {
	p.retryBudget.Store(int32(p.Config().AcquireRetryAttempts))
}

func (p *Pool) failConfig(ctx context.Context, partition int, err error) *AcquireFailConfig {
	cfg := p.Config()
	return &AcquireFailConfig{
		Attempts:  &p.retryBudget,
		Delay:     cfg.AcquireRetryDelay,
		Message:   err.Error(),
		Partition: partition,
		ctx:       ctx,
	}
}

// =============================================================================
// 🔌 获取连接
// =============================================================================

// Acquire checks out a connection. It blocks while every partition is at
// capacity, bounded by ctx and ConnectionTimeout. Timeouts and creation
// failures go through Hook.OnAcquireFail before surfacing.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.closing.Load() {
		return nil, ErrPoolClosed
	}
	ctx, span := p.tracer.Start(ctx, "connpool.Acquire", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := time.Now()
	p.stats.requested.Add(1)
	h, err := p.acquire(ctx)
	wait := time.Since(start)
	p.stats.waitNanos.Add(int64(wait))
	p.waitHist.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.Bool("success", err == nil)))

	if err != nil {
		p.stats.acquireFailures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("connpool.partition", h.partition),
		attribute.String("connpool.conn_id", h.id.String()))
	return h, nil
}

// AcquireResult is delivered by AcquireAsync.
type AcquireResult struct {
	Handle *Handle
	Err    error
}

// AcquireAsync runs Acquire in a new goroutine. The channel receives exactly
// one result.
func (p *Pool) AcquireAsync(ctx context.Context) <-chan AcquireResult {
	ch := make(chan AcquireResult, 1)
	go func() {
		h, err := p.Acquire(ctx)
		ch <- AcquireResult{Handle: h, Err: err}
	}()
	return ch
}

func (p *Pool) acquire(ctx context.Context) (*Handle, error) {
	for {
		part, h, err := p.tryAcquire(ctx)
		if err == nil {
			return h, nil
		}
		if errors.Is(err, ErrPoolClosed) || ctx.Err() != nil {
			return nil, err
		}
		if !p.hooks.acquireFail(err, p.failConfig(ctx, part, err)) {
			return nil, err
		}
		p.logger.Debug("retrying acquisition", zap.Error(err), zap.Int32("retry_budget", p.retryBudget.Load()))
	}
}

// tryAcquire makes one acquisition attempt bounded by ConnectionTimeout.
func (p *Pool) tryAcquire(ctx context.Context) (int, *Handle, error) {
	cfg := p.Config()
	var timeout <-chan time.Time
	if cfg.ConnectionTimeout > 0 {
		t := time.NewTimer(cfg.ConnectionTimeout)
		defer t.Stop()
		timeout = t.C
	}
	start := int(p.next.Add(1)-1) % len(p.partitions)

	for {
		if p.closing.Load() {
			return start, nil, ErrPoolClosed
		}
		// Register before scanning so a release between the scan and the
		// select is not missed.
		wake := p.released.wait()

		if h := p.pollAny(ctx, start, cfg); h != nil {
			return h.partition, h, nil
		}
		if part := p.reserveAny(start); part != nil {
			h, err := p.createConnection(ctx, part)
			if err != nil {
				part.unreserve()
				part.notify()
				return part.index, nil, types.NewError(types.ErrAcquireFailed, "failed to obtain a backend connection").
					WithCause(err).WithRetryable(true).WithPartition(part.index)
			}
			if p.checkout(h, part, cfg) {
				return part.index, h, nil
			}
			continue
		}

		select {
		case <-wake:
		case <-timeout:
			return start, nil, ErrAcquireTimeout.Wrap(fmt.Errorf("no connection available after %s", cfg.ConnectionTimeout))
		case <-ctx.Done():
			return start, nil, ErrAcquireTimeout.Wrap(ctx.Err())
		case <-p.ctx.Done():
			return start, nil, ErrPoolClosed
		}
	}
}

// pollAny scans the free-lists starting at start and returns a validated,
// checked-out handle.
func (p *Pool) pollAny(ctx context.Context, start int, cfg Config) *Handle {
	n := len(p.partitions)
	for i := 0; i < n; i++ {
		part := p.partitions[(start+i)%n]
		for h := part.poll(); h != nil; h = part.poll() {
			if !p.admit(ctx, h, cfg) {
				continue
			}
			if p.checkout(h, part, cfg) {
				return h
			}
		}
	}
	return nil
}

// admit decides whether a handle taken from a free-list may be handed out,
// closing it when not.
func (p *Pool) admit(ctx context.Context, h *Handle, cfg Config) bool {
	if h.IsClosed() {
		return false
	}
	if h.broken.Load() || h.generation != p.generation.Load() || h.expired(time.Now(), cfg.MaxConnectionAge) || h.conn.IsClosed() {
		p.closeConnection(h)
		return false
	}
	if h.possiblyBroken.Load() {
		if err := p.probe(ctx, h, cfg); err != nil {
			p.logger.Info("possibly broken connection failed probe",
				zap.String("conn_id", h.id.String()), zap.Error(err))
			p.closeConnection(h)
			return false
		}
	}
	return true
}

func (p *Pool) checkout(h *Handle, part *partition, cfg Config) bool {
	if !h.inUse.CompareAndSwap(false, true) {
		p.logger.Error("connection found in free-list while checked out", zap.String("conn_id", h.id.String()))
		return false
	}
	h.touch(time.Now())
	p.hooks.checkOut(h)
	if int(part.allocated.Load()) < int(part.min.Load()) || part.lowOnFree(cfg.PoolAvailabilityThreshold) {
		part.notify()
	}
	return true
}

func (p *Pool) reserveAny(start int) *partition {
	n := len(p.partitions)
	for i := 0; i < n; i++ {
		part := p.partitions[(start+i)%n]
		if part.tryReserve() {
			return part
		}
	}
	return nil
}

// createConnection opens a backend connection for a slot already reserved
// in part.
func (p *Pool) createConnection(ctx context.Context, part *partition) (*Handle, error) {
	cfg := p.Config()
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.InitStatement != "" {
		if err := runInit(ctx, conn, cfg.InitStatement); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("init statement: %w", err)
		}
	}
	h := newHandle(p, conn, part.index, p.generation.Load(), cfg.StatementsCacheSize)
	p.stats.created.Add(1)
	if p.dbDown.CompareAndSwap(true, false) {
		p.logger.Info("database reachable again")
	}
	p.hooks.acquire(h)
	return h, nil
}

// createWithRetry keeps creating until success or the retry policy gives up.
func (p *Pool) createWithRetry(ctx context.Context, part *partition) (*Handle, error) {
	for {
		h, err := p.createConnection(ctx, part)
		if err == nil {
			return h, nil
		}
		if ctx.Err() != nil || !p.hooks.acquireFail(err, p.failConfig(ctx, part.index, err)) {
			return nil, err
		}
	}
}

func runInit(ctx context.Context, conn Conn, query string) error {
	st, err := conn.Prepare(ctx, query)
	if err != nil {
		return err
	}
	defer st.Close()
	_, err = st.ExecContext(ctx, nil)
	return err
}

func (p *Pool) probe(ctx context.Context, h *Handle, cfg Config) error {
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 || timeout > probeTimeout {
		timeout = probeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := h.conn.IsValid(ctx, cfg.ConnectionTestStatement); err != nil {
		return err
	}
	h.possiblyBroken.Store(false)
	h.lastTested.Store(time.Now().UnixNano())
	return nil
}

// =============================================================================
// 🔁 归还与销毁
// =============================================================================

// Release checks a handle back in. Broken, expired, stale-generation
// handles and handles released after Close are destroyed instead of reused.
func (p *Pool) Release(h *Handle) error {
	if h == nil || h.pool != p {
		return ErrNotCheckedOut
	}
	if !h.inUse.CompareAndSwap(true, false) {
		return ErrNotCheckedOut
	}
	p.hooks.checkIn(h)
	if p.helpers != nil && !p.closing.Load() {
		if err := p.helpers.Submit(func() { p.putBack(h) }); err == nil {
			return nil
		}
	}
	p.putBack(h)
	return nil
}

func (p *Pool) putBack(h *Handle) {
	if h.IsClosed() {
		return
	}
	now := time.Now()
	if p.closing.Load() || h.broken.Load() || h.generation != p.generation.Load() ||
		h.expired(now, p.Config().MaxConnectionAge) || h.conn.IsClosed() {
		p.closeConnection(h)
		return
	}
	h.touch(now)
	p.requeue(h, false)
}

// requeue offers h back to its partition. tail forces insertion at the cold
// end. Handles that do not fit are closed.
func (p *Pool) requeue(h *Handle, tail bool) {
	part := p.partitions[h.partition]
	var ok bool
	if tail {
		ok = part.offerLast(h)
	} else {
		ok = part.offer(h)
	}
	if !ok {
		p.closeConnection(h)
		return
	}
	if p.closing.Load() {
		p.drain(part)
		return
	}
	p.released.broadcast()
}

// closeConnection destroys h at most once.
func (p *Pool) closeConnection(h *Handle) {
	if h == nil || h.closed.Load() {
		return
	}
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed.Load() {
		return
	}
	partIdx := h.partition
	h.closed.Store(true)
	p.internalClose(h)
	p.postDestroy(h)
	if partIdx >= 0 && partIdx < len(p.partitions) {
		p.partitions[partIdx].notify()
	}
}

func (p *Pool) internalClose(h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while closing connection",
				zap.String("conn_id", h.id.String()), zap.Any("panic", r))
		}
	}()
	h.closeStatements()
	if err := h.conn.Close(); err != nil {
		p.logger.Warn("failed to close backend connection",
			zap.String("conn_id", h.id.String()), zap.Error(err))
	}
}

func (p *Pool) postDestroy(h *Handle) {
	p.partitions[h.partition].unreserve()
	p.stats.destroyed.Add(1)
	p.hooks.destroy(h)
	p.released.broadcast()
}

func (p *Pool) drain(part *partition) {
	for h := part.poll(); h != nil; h = part.poll() {
		p.closeConnection(h)
	}
}

// TerminateAllConnections destroys every idle connection and retires the
// current generation, so checked-out connections are destroyed on release.
func (p *Pool) TerminateAllConnections() {
	gen := p.generation.Add(1)
	p.logger.Warn("terminating all connections", zap.Uint64("generation", gen))
	for _, part := range p.partitions {
		p.drain(part)
		part.notify()
	}
}

// =============================================================================
// ⚠️ 语句错误与慢查询
// =============================================================================

// classify handles a statement error. It returns true when the error was
// treated as a connection exception. A possibly-broken verdict only flags the
// handle for a liveness check at its next checkout or idle sweep.
func (p *Pool) classify(h *Handle, err error) bool {
	state := SQLState(err)
	verdict := p.hooks.markPossiblyBroken(h, state, err)

	terminate := verdict == StateTerminateAllConnections || IsDatabaseDownSQLState(state)
	if terminate {
		h.broken.Store(true)
		if p.dbDown.CompareAndSwap(false, true) {
			p.logger.Error("database appears to be down",
				zap.String("sql_state", state), zap.Error(err))
			p.TerminateAllConnections()
		}
	}

	if !terminate && !IsFatalSQLState(state, p.Config().FatalSQLStates...) {
		if verdict == StateConnectionPossiblyBroken {
			h.possiblyBroken.Store(true)
			p.logger.Info("connection marked possibly broken",
				zap.String("conn_id", h.id.String()),
				zap.String("sql_state", state),
				zap.Error(err))
		}
		return false
	}
	if p.hooks.connectionException(h, state, err) {
		h.broken.Store(true)
	}
	p.logger.Warn("connection exception",
		zap.String("conn_id", h.id.String()),
		zap.String("sql_state", state),
		zap.Bool("evict", h.broken.Load()),
		zap.Error(err))
	return true
}

// queryTimeLimitExceeded flags h for an eager liveness check. notify is false
// when OnMarkPossiblyBroken already ran for this execution's error.
func (p *Pool) queryTimeLimitExceeded(h *Handle, query string, args []any, elapsed time.Duration, notify bool) {
	p.hooks.queryTimeLimitExceeded(h, query, args, elapsed)
	h.possiblyBroken.Store(true)
	if notify && p.hooks.markPossiblyBroken(h, "", ErrQueryTimeLimitExceeded) == StateTerminateAllConnections {
		p.TerminateAllConnections()
	}
	p.logger.Warn("query exceeded execution time limit",
		zap.String("conn_id", h.id.String()),
		zap.String("query", query),
		zap.Duration("elapsed", elapsed),
		zap.Duration("limit", p.Config().QueryExecuteTimeLimit))
}

// =============================================================================
// 🛑 关闭
// =============================================================================

// Close 关闭连接池：停止后台协程，销毁所有空闲连接。可重复调用。
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		p.cancel()
		p.released.broadcast()
		p.wg.Wait()
		if p.helpers != nil {
			p.helpers.Close()
		}
		var g errgroup.Group
		for _, part := range p.partitions {
			g.Go(func() error {
				p.drain(part)
				return nil
			})
		}
		_ = g.Wait()
		p.logger.Info("connection pool closed",
			zap.Int64("created", p.stats.created.Load()),
			zap.Int64("destroyed", p.stats.destroyed.Load()))
	})
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	return p.closing.Load()
}

// notifier is a broadcast wake-up: waiters take the current channel and
// broadcast closes it.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}
