package pool

import (
	"context"
	"database/sql/driver"
)

// Conn is the backend connection capability the pool manages. Implementations
// live outside this package (see backend/sqldriver).
type Conn interface {
	// IsValid runs a lightweight liveness probe. An empty probe means the
	// implementation's cheapest check (for example a ping).
	IsValid(ctx context.Context, probe string) error
	Prepare(ctx context.Context, query string) (Stmt, error)
	// Close releases the backend resource. It must be idempotent.
	Close() error
	IsClosed() bool
}

// Stmt is a prepared statement on a backend connection.
type Stmt interface {
	ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error)
	QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error)
	Close() error
}

// Connector opens new backend connections.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

func namedValues(args []any) []driver.NamedValue {
	if len(args) == 0 {
		return nil
	}
	nv := make([]driver.NamedValue, len(args))
	for i, a := range args {
		if v, ok := a.(driver.NamedValue); ok {
			nv[i] = v
			continue
		}
		nv[i] = driver.NamedValue{Ordinal: i + 1, Value: a}
	}
	return nv
}

func plainValues(args []driver.NamedValue) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}
