package pool

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// watchInterval is the safety net for missed wake signals.
	watchInterval     = time.Second
	maxWatchBackoff   = 30 * time.Second
	startWatchBackoff = 100 * time.Millisecond
	replenishRate     = rate.Limit(200)
)

func replenishBurst(cfg Config) int {
	if cfg.AcquireIncrement < 1 {
		return 1
	}
	return cfg.AcquireIncrement
}

// watch keeps part at its minimum, waking on the partition signal.
func (p *Pool) watch(part *partition) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("partition", part.index))
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-part.signal:
		case <-ticker.C:
		}
		if err := p.replenish(part); err != nil {
			backoff = nextBackoff(backoff)
			logger.Warn("replenishment failed, backing off",
				zap.Error(err),
				zap.Int32("allocated", part.allocated.Load()),
				zap.Duration("backoff", backoff))
			if !p.pause(backoff) {
				return
			}
			part.notify()
			continue
		}
		backoff = 0
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return startWatchBackoff
	}
	cur *= 2
	if cur > maxWatchBackoff {
		return maxWatchBackoff
	}
	return cur
}

// replenish tops part up to its minimum in AcquireIncrement batches, or adds
// one batch when free capacity is at or below PoolAvailabilityThreshold.
func (p *Pool) replenish(part *partition) error {
	cfg := p.Config()
	need := p.deficit(part, cfg)
	for need > 0 && !p.closing.Load() {
		batch := min(need, cfg.AcquireIncrement)
		for i := 0; i < batch; i++ {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return nil
			}
			if !part.tryReserve() {
				return nil
			}
			h, err := p.createWithRetry(p.ctx, part)
			if err != nil {
				part.unreserve()
				if p.closing.Load() {
					return nil
				}
				return err
			}
			p.requeue(h, false)
		}
		need -= batch
		if need <= 0 {
			need = p.belowMin(part)
		}
	}
	return nil
}

func (p *Pool) belowMin(part *partition) int {
	return int(part.min.Load()) - int(part.allocated.Load())
}

func (p *Pool) deficit(part *partition, cfg Config) int {
	allocated := int(part.allocated.Load())
	headroom := int(part.max.Load()) - allocated
	if headroom <= 0 {
		return 0
	}
	need := int(part.min.Load()) - allocated
	if need <= 0 && cfg.PoolAvailabilityThreshold > 0 && part.lowOnFree(cfg.PoolAvailabilityThreshold) {
		need = cfg.AcquireIncrement
	}
	if need <= 0 {
		return 0
	}
	return min(roundUp(need, cfg.AcquireIncrement), headroom)
}

func roundUp(n, step int) int {
	if step <= 1 {
		return n
	}
	return (n + step - 1) / step * step
}
