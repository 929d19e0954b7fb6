// =============================================================================
// 🔌 MockConnector - 后端连接模拟实现
// =============================================================================
// 用于测试的后端连接工厂，支持连接失败、语句延迟与错误注入
//
// 使用方法:
//
//	connector := mocks.NewMockConnector().WithExecDelay(300 * time.Millisecond)
//	p, err := pool.New(ctx, connector, cfg)
// =============================================================================
package mocks

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/BaSui01/connpool/pool"
)

// ErrConnectRefused 默认的连接失败错误
var ErrConnectRefused = errors.New("mock: connection refused")

// StateError 携带 SQLSTATE 的错误
type StateError struct {
	State string
	Msg   string
}

func (e *StateError) Error() string {
	if e.Msg == "" {
		return "mock backend error " + e.State
	}
	return e.Msg
}

// SQLState 返回 SQLSTATE
func (e *StateError) SQLState() string { return e.State }

// =============================================================================
// 🎯 MockConnector 结构
// =============================================================================

// MockConnector 是 pool.Connector 的模拟实现
type MockConnector struct {
	mu sync.Mutex

	conns []*MockConn

	// 错误注入
	connectErr error
	failNext   int
	validErr   error
	execErr    error
	execDelay  time.Duration

	// 调用记录
	connectCalls int
}

var _ pool.Connector = (*MockConnector)(nil)

// NewMockConnector 创建新的 MockConnector
func NewMockConnector() *MockConnector {
	return &MockConnector{}
}

// WithConnectError 之后的每次 Connect 都返回 err，nil 表示恢复
func (m *MockConnector) WithConnectError(err error) *MockConnector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
	return m
}

// WithFailNext 接下来 n 次 Connect 失败
func (m *MockConnector) WithFailNext(n int) *MockConnector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	return m
}

// WithValidError 新建连接的探活结果
func (m *MockConnector) WithValidError(err error) *MockConnector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validErr = err
	return m
}

// WithExecError 新建连接执行语句时返回 err
func (m *MockConnector) WithExecError(err error) *MockConnector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execErr = err
	return m
}

// WithExecDelay 新建连接执行语句的耗时
func (m *MockConnector) WithExecDelay(d time.Duration) *MockConnector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execDelay = d
	return m
}

// =============================================================================
// 🔧 Connector 接口实现
// =============================================================================

// Connect 创建一个新的 MockConn
func (m *MockConnector) Connect(ctx context.Context) (pool.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	if m.failNext > 0 {
		m.failNext--
		return nil, ErrConnectRefused
	}

	c := &MockConn{
		validErr:  m.validErr,
		execErr:   m.execErr,
		execDelay: m.execDelay,
	}
	m.conns = append(m.conns, c)
	return c, nil
}

// ConnectCalls 返回 Connect 调用次数
func (m *MockConnector) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// Conns 返回已创建的连接
func (m *MockConnector) Conns() []*MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockConn(nil), m.conns...)
}

// OpenConns 返回尚未关闭的连接数
func (m *MockConnector) OpenConns() int {
	n := 0
	for _, c := range m.Conns() {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// =============================================================================
// 🔗 MockConn
// =============================================================================

// MockConn 是 pool.Conn 的模拟实现
type MockConn struct {
	mu sync.Mutex

	closed     bool
	closeCalls int
	probes     int
	statements []string

	validErr  error
	execErr   error
	execDelay time.Duration
}

var _ pool.Conn = (*MockConn)(nil)

// SetValidError 修改探活结果
func (c *MockConn) SetValidError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validErr = err
}

// SetExec 修改语句耗时与错误
func (c *MockConn) SetExec(delay time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execDelay, c.execErr = delay, err
}

// IsValid 探活
func (c *MockConn) IsValid(ctx context.Context, probe string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes++
	if c.closed {
		return driver.ErrBadConn
	}
	return c.validErr
}

// Prepare 预编译语句
func (c *MockConn) Prepare(ctx context.Context, query string) (pool.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, driver.ErrBadConn
	}
	c.statements = append(c.statements, query)
	return &mockStmt{conn: c}, nil
}

// Close 关闭连接
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closed = true
	return nil
}

// IsClosed 是否已关闭
func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls 返回 Close 调用次数
func (c *MockConn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Probes 返回探活次数
func (c *MockConn) Probes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}

// Statements 返回预编译过的语句
func (c *MockConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statements...)
}

type mockStmt struct {
	conn *MockConn
}

func (s *mockStmt) run(ctx context.Context) error {
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

func (s *mockStmt) ExecContext(ctx context.Context, _ []driver.NamedValue) (driver.Result, error) {
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (s *mockStmt) QueryContext(ctx context.Context, _ []driver.NamedValue) (driver.Rows, error) {
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	return &mockRows{}, nil
}

func (s *mockStmt) Close() error { return nil }

// mockRows 返回单行单列 1
type mockRows struct {
	done bool
}

func (r *mockRows) Columns() []string { return []string{"n"} }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}
