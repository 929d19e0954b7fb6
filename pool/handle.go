package pool

import (
	"context"
	"database/sql/driver"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Handle wraps one backend connection and its pool bookkeeping.
//
// A Handle belongs to exactly one partition for its whole life. Once closed it
// is never handed out or re-enqueued again.
type Handle struct {
	id         uuid.UUID
	conn       Conn
	partition  int
	pool       *Pool
	generation uint64
	createdAt  time.Time

	lastUsed   atomic.Int64
	lastTested atomic.Int64

	// closeMu serialises the backend release; closed is checked before and
	// after taking it.
	closeMu        sync.Mutex
	closed         atomic.Bool
	inUse          atomic.Bool
	possiblyBroken atomic.Bool
	broken         atomic.Bool

	stmts *lru.Cache[string, Stmt]
}

func newHandle(p *Pool, conn Conn, partition int, generation uint64, cacheSize int) *Handle {
	now := time.Now()
	h := &Handle{
		id:         uuid.New(),
		conn:       conn,
		partition:  partition,
		pool:       p,
		generation: generation,
		createdAt:  now,
	}
	h.lastUsed.Store(now.UnixNano())
	h.lastTested.Store(now.UnixNano())
	if cacheSize > 0 {
		cache, err := lru.NewWithEvict[string, Stmt](cacheSize, func(query string, st Stmt) {
			if err := st.Close(); err != nil {
				p.logger.Debug("failed to close evicted statement",
					zap.String("conn_id", h.id.String()), zap.Error(err))
			}
		})
		if err == nil {
			h.stmts = cache
		}
	}
	return h
}

func (h *Handle) ID() uuid.UUID        { return h.id }
func (h *Handle) Conn() Conn           { return h.conn }
func (h *Handle) Partition() int       { return h.partition }
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

func (h *Handle) lastTestedAt() time.Time {
	return time.Unix(0, h.lastTested.Load())
}

func (h *Handle) IsClosed() bool         { return h.closed.Load() }
func (h *Handle) IsPossiblyBroken() bool { return h.possiblyBroken.Load() }
func (h *Handle) IsBroken() bool         { return h.broken.Load() }

// IsExpired reports whether the handle has reached the pool's max age at now.
func (h *Handle) IsExpired(now time.Time) bool {
	return h.expired(now, h.pool.Config().MaxConnectionAge)
}

func (h *Handle) expired(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(h.createdAt) >= maxAge
}

func (h *Handle) touch(now time.Time) {
	n := now.UnixNano()
	h.lastUsed.Store(n)
	h.lastTested.Store(n)
}

// Close returns the handle to its pool.
func (h *Handle) Close() error {
	return h.pool.Release(h)
}

func (h *Handle) usable() error {
	if h.closed.Load() {
		return ErrConnectionClosed
	}
	if !h.inUse.Load() {
		return ErrNotCheckedOut
	}
	if h.broken.Load() {
		return ErrConnectionBroken
	}
	return nil
}

// Prepare returns a statement, served from the handle's statement cache when
// StatementsCacheSize is set.
func (h *Handle) Prepare(ctx context.Context, query string) (*Statement, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	stats := &h.pool.stats
	if h.stmts != nil {
		if st, ok := h.stmts.Get(query); ok {
			stats.cacheHits.Add(1)
			return &Statement{h: h, query: query, stmt: st, cached: true}, nil
		}
		stats.cacheMisses.Add(1)
	}
	st, err := h.conn.Prepare(ctx, query)
	if err != nil {
		h.observe(query, nil, 0, err)
		return nil, err
	}
	if h.stmts != nil {
		h.stmts.Add(query, st)
		return &Statement{h: h, query: query, stmt: st, cached: true}, nil
	}
	return &Statement{h: h, query: query, stmt: st}, nil
}

// Exec prepares query and executes it once.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	st, err := h.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Exec(ctx, args...)
}

// Query prepares query and runs it. The statement stays open until rows are
// closed.
func (h *Handle) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	st, err := h.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := st.Query(ctx, args...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &stmtRows{Rows: rows, stmt: st}, nil
}

func (h *Handle) closeStatements() {
	if h.stmts != nil {
		h.stmts.Purge()
	}
}

// observe feeds execution outcomes into error classification and slow query
// detection.
func (h *Handle) observe(query string, args []any, elapsed time.Duration, err error) {
	p := h.pool
	cfg := p.Config()
	if cfg.LogStatements {
		p.logger.Debug("statement executed",
			zap.String("conn_id", h.id.String()),
			zap.String("query", query),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	}
	if err != nil && p.classify(h, err) {
		return
	}
	if cfg.QueryExecuteTimeLimit > 0 && elapsed > cfg.QueryExecuteTimeLimit {
		p.queryTimeLimitExceeded(h, query, args, elapsed, err == nil)
	}
}

// Statement is a prepared statement bound to a checked-out Handle.
type Statement struct {
	h      *Handle
	query  string
	stmt   Stmt
	cached bool
}

// SQL returns the statement text.
func (s *Statement) SQL() string { return s.query }

// Exec executes the statement with positional args.
func (s *Statement) Exec(ctx context.Context, args ...any) (driver.Result, error) {
	return s.ExecContext(ctx, namedValues(args))
}

// Query runs the statement with positional args.
func (s *Statement) Query(ctx context.Context, args ...any) (driver.Rows, error) {
	return s.QueryContext(ctx, namedValues(args))
}

func (s *Statement) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if err := s.h.usable(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := s.stmt.ExecContext(ctx, args)
	s.record(args, time.Since(start), err)
	return res, err
}

func (s *Statement) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if err := s.h.usable(); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := s.stmt.QueryContext(ctx, args)
	s.record(args, time.Since(start), err)
	return rows, err
}

func (s *Statement) record(args []driver.NamedValue, elapsed time.Duration, err error) {
	stats := &s.h.pool.stats
	stats.statementsExecuted.Add(1)
	stats.executeNanos.Add(int64(elapsed))
	s.h.observe(s.query, plainValues(args), elapsed, err)
}

// Close releases the statement. Cached statements stay open until evicted or
// until the handle is destroyed.
func (s *Statement) Close() error {
	if s.cached {
		return nil
	}
	return s.stmt.Close()
}

type stmtRows struct {
	driver.Rows
	stmt *Statement
}

func (r *stmtRows) Close() error {
	err := r.Rows.Close()
	if cerr := r.stmt.Close(); err == nil {
		err = cerr
	}
	return err
}
