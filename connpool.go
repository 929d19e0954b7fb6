// Package connpool provides a top-level convenience entry point for opening
// a partitioned connection pool over a database/sql driver.
//
// Usage:
//
//	import "github.com/BaSui01/connpool"
//
//	p, err := connpool.Open(ctx, "postgres", dsn, connpool.DefaultConfig())
//	h, err := p.Acquire(ctx)
//	defer h.Close()
//
//	db, p, err := connpool.OpenDB(ctx, "mysql", dsn, cfg, connpool.WithLogger(logger))
//
// This is a thin wrapper around [pool.New] and [sqldriver.Open]; use those
// packages directly to plug in a custom [pool.Connector].
package connpool

import (
	"context"
	"database/sql"

	"github.com/BaSui01/connpool/backend/sqldriver"
	"github.com/BaSui01/connpool/pool"
)

// Config is the pool configuration accepted by [Open].
type Config = pool.Config

// Option configures the pool created by [Open].
type Option = pool.Option

// Pool is a partitioned connection pool.
type Pool = pool.Pool

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return pool.DefaultConfig()
}

// Open creates a pool whose connections come from the named database/sql
// driver. mysql, postgres and pgx are built in; other drivers must be
// registered with database/sql before calling Open.
func Open(ctx context.Context, driverName, dsn string, cfg Config, opts ...Option) (*Pool, error) {
	connector, err := sqldriver.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	return pool.New(ctx, connector, cfg, opts...)
}

// OpenDB is [Open] plus a *sql.DB that borrows its connections from the
// pool. Close the *sql.DB before the pool.
func OpenDB(ctx context.Context, driverName, dsn string, cfg Config, opts ...Option) (*sql.DB, *Pool, error) {
	p, err := Open(ctx, driverName, dsn, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return sqldriver.OpenDB(p), p, nil
}

// Re-export option shortcuts so callers never need to import pool/.

// WithLogger sets a custom zap logger.
var WithLogger = pool.WithLogger

// WithHook installs connection lifecycle callbacks.
var WithHook = pool.WithHook

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
var WithTracerProvider = pool.WithTracerProvider

// WithMeterProvider overrides the global OpenTelemetry meter provider.
var WithMeterProvider = pool.WithMeterProvider
