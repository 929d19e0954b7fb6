package sqldriver

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"sync/atomic"

	"github.com/BaSui01/connpool/pool"
)

// defaultProbe is used when the driver cannot ping.
const defaultProbe = "SELECT 1"

// Conn adapts a driver.Conn to pool.Conn.
type Conn struct {
	raw    driver.Conn
	closed atomic.Bool
	// bad is set once the driver reports driver.ErrBadConn.
	bad atomic.Bool
}

var _ pool.Conn = (*Conn)(nil)

func newConn(raw driver.Conn) *Conn {
	return &Conn{raw: raw}
}

// Raw returns the underlying driver connection.
func (c *Conn) Raw() driver.Conn { return c.raw }

func (c *Conn) check(err error) error {
	if errors.Is(err, driver.ErrBadConn) {
		c.bad.Store(true)
	}
	return wrapErr(err)
}

// IsValid pings the connection, or runs probe when one is given.
func (c *Conn) IsValid(ctx context.Context, probe string) error {
	if c.IsClosed() {
		return ErrConnClosed
	}
	if probe == "" {
		if p, ok := c.raw.(driver.Pinger); ok {
			return c.check(p.Ping(ctx))
		}
		probe = defaultProbe
	}
	st, err := c.Prepare(ctx, probe)
	if err != nil {
		return err
	}
	defer st.Close()
	rows, err := st.QueryContext(ctx, nil)
	if err != nil {
		return err
	}
	dest := make([]driver.Value, len(rows.Columns()))
	if err := rows.Next(dest); err != nil && !errors.Is(err, io.EOF) {
		rows.Close()
		return c.check(err)
	}
	return c.check(rows.Close())
}

// Prepare implements pool.Conn.
func (c *Conn) Prepare(ctx context.Context, query string) (pool.Stmt, error) {
	if c.IsClosed() {
		return nil, ErrConnClosed
	}
	var (
		st  driver.Stmt
		err error
	)
	if pc, ok := c.raw.(driver.ConnPrepareContext); ok {
		st, err = pc.PrepareContext(ctx, query)
	} else {
		st, err = c.raw.Prepare(query)
	}
	if err != nil {
		return nil, c.check(err)
	}
	return &Stmt{conn: c, raw: st}, nil
}

// Close releases the driver connection once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}

// IsClosed reports whether the connection was closed or found bad.
func (c *Conn) IsClosed() bool {
	return c.closed.Load() || c.bad.Load()
}

func (c *Conn) convert(args []driver.NamedValue) ([]driver.NamedValue, error) {
	checker, _ := c.raw.(driver.NamedValueChecker)
	out := make([]driver.NamedValue, len(args))
	for i, a := range args {
		if checker != nil {
			err := checker.CheckNamedValue(&a)
			if err == nil {
				out[i] = a
				continue
			}
			if !errors.Is(err, driver.ErrSkip) {
				return nil, err
			}
		}
		v, err := driver.DefaultParameterConverter.ConvertValue(a.Value)
		if err != nil {
			return nil, err
		}
		a.Value = v
		out[i] = a
	}
	return out, nil
}

// Stmt adapts a driver.Stmt to pool.Stmt.
type Stmt struct {
	conn *Conn
	raw  driver.Stmt
}

var _ pool.Stmt = (*Stmt)(nil)

// ExecContext implements pool.Stmt.
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	args, err := s.conn.convert(args)
	if err != nil {
		return nil, err
	}
	if ec, ok := s.raw.(driver.StmtExecContext); ok {
		res, err := ec.ExecContext(ctx, args)
		return res, s.conn.check(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := s.raw.Exec(values(args)) //nolint:staticcheck // fallback for drivers without StmtExecContext
	return res, s.conn.check(err)
}

// QueryContext implements pool.Stmt.
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	args, err := s.conn.convert(args)
	if err != nil {
		return nil, err
	}
	if qc, ok := s.raw.(driver.StmtQueryContext); ok {
		rows, err := qc.QueryContext(ctx, args)
		return rows, s.conn.check(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.raw.Query(values(args)) //nolint:staticcheck // fallback for drivers without StmtQueryContext
	return rows, s.conn.check(err)
}

// Close implements pool.Stmt.
func (s *Stmt) Close() error {
	return s.raw.Close()
}

func values(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}
