package pool

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stateErr struct{ state string }

func (e stateErr) Error() string    { return "backend error " + e.state }
func (e stateErr) SQLState() string { return e.state }

var errConnectRefused = errors.New("connection refused")

type fakeConn struct {
	id         int64
	closed     atomic.Bool
	closeCalls atomic.Int32
	probes     atomic.Int32
	prepares   atomic.Int32
	stmtCloses atomic.Int32

	mu        sync.Mutex
	validErr  error
	execErr   error
	execDelay time.Duration
}

func (c *fakeConn) setExec(delay time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execDelay, c.execErr = delay, err
}

func (c *fakeConn) setValid(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validErr = err
}

func (c *fakeConn) IsValid(ctx context.Context, probe string) error {
	c.probes.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validErr
}

func (c *fakeConn) Prepare(ctx context.Context, query string) (Stmt, error) {
	c.prepares.Add(1)
	return &fakeStmt{conn: c}, nil
}

func (c *fakeConn) Close() error {
	c.closeCalls.Add(1)
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed.Load() }

type fakeStmt struct {
	conn *fakeConn
}

func (s *fakeStmt) run(ctx context.Context) error {
	s.conn.mu.Lock()
	delay, err := s.conn.execDelay, s.conn.execErr
	s.conn.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *fakeStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return &fakeRows{}, nil
}

func (s *fakeStmt) Close() error {
	s.conn.stmtCloses.Add(1)
	return nil
}

type fakeRows struct{}

func (fakeRows) Columns() []string              { return []string{"n"} }
func (fakeRows) Close() error                   { return nil }
func (fakeRows) Next(dest []driver.Value) error { return io.EOF }

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn

	seq      atomic.Int64
	attempts atomic.Int32
	failing  atomic.Bool
	failNext atomic.Int32
}

func (f *fakeConnector) Connect(ctx context.Context) (Conn, error) {
	f.attempts.Add(1)
	if f.failing.Load() {
		return nil, errConnectRefused
	}
	if n := f.failNext.Load(); n > 0 && f.failNext.CompareAndSwap(n, n-1) {
		return nil, errConnectRefused
	}
	c := &fakeConn{id: f.seq.Add(1)}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

// countingHook records how often each callback fired.
type countingHook struct {
	BaseHook
	acquire, checkOut, checkIn, destroy atomic.Int32
	acquireFail, timeLimit              atomic.Int32
	possiblyBroken, connException       atomic.Int32

	verdict ConnectionState
}

func (h *countingHook) OnAcquire(*Handle)  { h.acquire.Add(1) }
func (h *countingHook) OnCheckOut(*Handle) { h.checkOut.Add(1) }
func (h *countingHook) OnCheckIn(*Handle)  { h.checkIn.Add(1) }
func (h *countingHook) OnDestroy(*Handle)  { h.destroy.Add(1) }

func (h *countingHook) OnAcquireFail(err error, cfg *AcquireFailConfig) bool {
	h.acquireFail.Add(1)
	return DefaultOnAcquireFail(err, cfg)
}

func (h *countingHook) OnQueryExecuteTimeLimitExceeded(*Handle, string, []any, time.Duration) {
	h.timeLimit.Add(1)
}

func (h *countingHook) OnMarkPossiblyBroken(*Handle, string, error) ConnectionState {
	h.possiblyBroken.Add(1)
	return h.verdict
}

func (h *countingHook) OnConnectionException(*Handle, string, error) bool {
	h.connException.Add(1)
	return true
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PartitionCount = 1
	cfg.MinConnectionsPerPartition = 0
	cfg.MaxConnectionsPerPartition = 4
	cfg.AcquireIncrement = 1
	cfg.LazyInit = true
	cfg.ConnectionTimeout = time.Second
	cfg.AcquireRetryAttempts = 0
	cfg.AcquireRetryDelay = 0
	cfg.SweepThrottle = 0
	cfg.IdleConnectionTestPeriod = 0
	cfg.IdleMaxAge = 0
	return cfg
}

func newTestPool(t *testing.T, cfg Config, hook Hook, connector Connector) *Pool {
	t.Helper()
	opts := []Option{WithLogger(zaptest.NewLogger(t))}
	if hook != nil {
		opts = append(opts, WithHook(hook))
	}
	p, err := New(context.Background(), connector, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}
