package sqldriver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/BaSui01/connpool/pool"
)

// ErrTxUnsupported is returned when the pooled connection is not backed by
// this package and cannot start a transaction.
var ErrTxUnsupported = errors.New("sqldriver: pooled connection does not support transactions")

// Bridge exposes a pool as a driver.Connector. Every database/sql
// connection is a checked-out pool handle and closing it releases the handle.
type Bridge struct {
	pool *pool.Pool
}

var _ driver.Connector = (*Bridge)(nil)

// NewBridge returns a driver.Connector backed by p.
func NewBridge(p *pool.Pool) *Bridge {
	return &Bridge{pool: p}
}

// OpenDB returns a *sql.DB whose connections come from p. database/sql keeps
// no idle connections of its own, so idle management stays with the pool.
func OpenDB(p *pool.Pool) *sql.DB {
	db := sql.OpenDB(NewBridge(p))
	db.SetMaxIdleConns(0)
	cfg := p.Config()
	db.SetMaxOpenConns(cfg.PartitionCount * cfg.MaxConnectionsPerPartition)
	return db
}

// Connect acquires a handle from the pool.
func (b *Bridge) Connect(ctx context.Context) (driver.Conn, error) {
	h, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &bridgeConn{h: h}, nil
}

// Driver implements driver.Connector.
func (b *Bridge) Driver() driver.Driver { return bridgeDriver{b: b} }

type bridgeDriver struct{ b *Bridge }

func (d bridgeDriver) Open(string) (driver.Conn, error) {
	return d.b.Connect(context.Background())
}

type bridgeConn struct {
	h *pool.Handle
}

var (
	_ driver.ConnPrepareContext = (*bridgeConn)(nil)
	_ driver.ConnBeginTx        = (*bridgeConn)(nil)
	_ driver.Pinger             = (*bridgeConn)(nil)
	_ driver.SessionResetter    = (*bridgeConn)(nil)
	_ driver.Validator          = (*bridgeConn)(nil)
)

func (c *bridgeConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *bridgeConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	st, err := c.h.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return &bridgeStmt{st: st}, nil
}

// Close returns the handle to the pool.
func (c *bridgeConn) Close() error {
	return c.h.Close()
}

func (c *bridgeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *bridgeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	conn, ok := c.h.Conn().(*Conn)
	if !ok {
		return nil, ErrTxUnsupported
	}
	if bt, ok := conn.Raw().(driver.ConnBeginTx); ok {
		tx, err := bt.BeginTx(ctx, opts)
		return tx, conn.check(err)
	}
	tx, err := conn.Raw().Begin() //nolint:staticcheck // fallback for drivers without ConnBeginTx
	return tx, conn.check(err)
}

func (c *bridgeConn) Ping(ctx context.Context) error {
	return c.h.Conn().IsValid(ctx, "")
}

// ResetSession refuses reuse of a handle the pool no longer trusts.
func (c *bridgeConn) ResetSession(context.Context) error {
	if !c.IsValid() {
		return driver.ErrBadConn
	}
	return nil
}

func (c *bridgeConn) IsValid() bool {
	return !c.h.IsClosed() && !c.h.IsBroken()
}

// CheckNamedValue lets the backend connection convert arguments.
func (c *bridgeConn) CheckNamedValue(nv *driver.NamedValue) error {
	if conn, ok := c.h.Conn().(*Conn); ok {
		if checker, ok := conn.Raw().(driver.NamedValueChecker); ok {
			return checker.CheckNamedValue(nv)
		}
	}
	return driver.ErrSkip
}

type bridgeStmt struct {
	st *pool.Statement
}

var (
	_ driver.StmtExecContext  = (*bridgeStmt)(nil)
	_ driver.StmtQueryContext = (*bridgeStmt)(nil)
)

func (s *bridgeStmt) Close() error  { return s.st.Close() }
func (s *bridgeStmt) NumInput() int { return -1 }

func (s *bridgeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), named(args))
}

func (s *bridgeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), named(args))
}

func (s *bridgeStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.st.ExecContext(ctx, args)
}

func (s *bridgeStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.st.QueryContext(ctx, args)
}

func named(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}
