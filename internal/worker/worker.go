// Package worker provides a fixed-size goroutine pool with a bounded queue.
// The connection pool uses it for release helpers that finish check-in work
// off the caller's goroutine.
package worker

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("worker pool is closed")
	ErrFull   = errors.New("worker pool queue is full")
)

// Task represents a unit of work.
type Task func()

// Config configures the pool.
type Config struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   2,
		QueueSize: 256,
	}
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	tasks  chan Task
	logger *zap.Logger

	// mu guards closed against concurrent Submit and Close so a send never
	// races with close(tasks).
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
}

// New starts cfg.Workers goroutines.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	p := &Pool{
		tasks:  make(chan Task, cfg.QueueSize),
		logger: logger.With(zap.String("component", "worker_pool")),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.run()
	}
	return p
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrFull
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.active.Add(1)
		p.execute(task)
		p.active.Add(-1)
	}
}

func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("task panicked", zap.Any("panic", r))
			return
		}
		p.completed.Add(1)
	}()
	task()
}

// Close stops accepting tasks, runs what is already queued and waits for
// the workers to exit. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
}
