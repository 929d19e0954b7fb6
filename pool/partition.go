package pool

import (
	"slices"
	"sync"
	"sync/atomic"
)

// partition owns a bounded free-list. The head of the list is the end of the
// slice, so poll and LIFO offer are O(1) and FIFO offer inserts at index 0.
type partition struct {
	index int

	mu   sync.Mutex
	free []*Handle

	min       atomic.Int32
	max       atomic.Int32
	lifo      atomic.Bool
	allocated atomic.Int32

	// signal wakes the replenisher; the payload carries nothing.
	signal chan struct{}
}

func newPartition(index int, cfg Config) *partition {
	p := &partition{
		index:  index,
		free:   make([]*Handle, 0, cfg.MaxConnectionsPerPartition),
		signal: make(chan struct{}, 1),
	}
	p.apply(cfg)
	return p
}

func (p *partition) apply(cfg Config) {
	p.min.Store(int32(cfg.MinConnectionsPerPartition))
	p.max.Store(int32(cfg.MaxConnectionsPerPartition))
	p.lifo.Store(cfg.lifo())
}

// poll removes the head handle, or returns nil when empty. Never blocks.
func (p *partition) poll() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	h := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return h
}

// offer inserts h according to the service order. It returns false when the
// list is full or h is closed; the caller must then close h.
func (p *partition) offer(h *Handle) bool {
	if p.lifo.Load() {
		return p.insert(h, true)
	}
	return p.insert(h, false)
}

// offerLast inserts at the tail regardless of policy. Sweeps use it in LIFO
// mode so a stale handle does not return to the hot end.
func (p *partition) offerLast(h *Handle) bool {
	return p.insert(h, false)
}

func (p *partition) insert(h *Handle, head bool) bool {
	if h == nil || h.IsClosed() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= int(p.max.Load()) || len(p.free) >= int(p.allocated.Load()) {
		return false
	}
	if head {
		p.free = append(p.free, h)
	} else {
		p.free = slices.Insert(p.free, 0, h)
	}
	return true
}

// tryReserve claims one allocation slot iff allocated < max.
func (p *partition) tryReserve() bool {
	for {
		cur := p.allocated.Load()
		if cur >= p.max.Load() {
			return false
		}
		if p.allocated.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (p *partition) unreserve() {
	p.allocated.Add(-1)
}

// notify posts a wake token without blocking.
func (p *partition) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *partition) freeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// contains is used by tests and the checkout path assertions.
func (p *partition) contains(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.free, h)
}

// lowOnFree reports whether the free percentage is at or below threshold.
func (p *partition) lowOnFree(threshold int) bool {
	limit := int(p.max.Load())
	if limit == 0 {
		return false
	}
	return p.freeCount()*100/limit <= threshold
}
