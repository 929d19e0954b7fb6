package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// AcquireFailConfig is handed to Hook.OnAcquireFail.
//
// Attempts is the pool-wide retry budget. It is shared by every acquisition
// and by the replenishers, is never reset per call, and is restored only by
// Pool.Reconfigure or Pool.ResetAcquireRetry. Once it reaches zero every
// further failure is final until then.
type AcquireFailConfig struct {
	Attempts  *atomic.Int32
	Delay     time.Duration
	Message   string
	Partition int

	ctx context.Context
}

// Context returns the context of the acquisition that failed.
func (c *AcquireFailConfig) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// DefaultOnAcquireFail consumes one unit of the shared budget and sleeps for
// Delay before asking for a retry. It returns false without sleeping when the
// budget is exhausted, and false when the context ends during the sleep.
func DefaultOnAcquireFail(_ error, cfg *AcquireFailConfig) bool {
	if cfg == nil || cfg.Attempts == nil {
		return false
	}
	if !takeAttempt(cfg.Attempts) {
		return false
	}
	if cfg.Delay <= 0 {
		return true
	}
	timer := time.NewTimer(cfg.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cfg.Context().Done():
		return false
	}
}

// takeAttempt decrements n iff it is positive.
func takeAttempt(n *atomic.Int32) bool {
	for {
		cur := n.Load()
		if cur <= 0 {
			return false
		}
		if n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}
