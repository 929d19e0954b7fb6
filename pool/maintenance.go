package pool

import (
	"time"

	"go.uber.org/zap"
)

const (
	// disabledSweepPeriod is how often a disabled sweep re-reads the config.
	disabledSweepPeriod = time.Minute
	minSweepDelay       = 10 * time.Millisecond
	probeTimeout        = 5 * time.Second
)

// maxAgeLoop runs the max-age sweep, rescheduling itself from the smallest
// remaining lifetime seen in the previous pass.
func (p *Pool) maxAgeLoop(part *partition) {
	defer p.wg.Done()
	timer := time.NewTimer(p.maxAgeDelay(p.Config().MaxConnectionAge))
	defer timer.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		maxAge := p.Config().MaxConnectionAge
		next := maxAge
		if maxAge > 0 {
			next = p.sweepMaxAge(part)
		}
		timer.Reset(p.maxAgeDelay(next))
	}
}

func (p *Pool) maxAgeDelay(d time.Duration) time.Duration {
	maxAge := p.Config().MaxConnectionAge
	if maxAge <= 0 {
		return disabledSweepPeriod
	}
	if d < minSweepDelay {
		d = minSweepDelay
	}
	if d > maxAge {
		d = maxAge
	}
	return d
}

// sweepMaxAge visits the handles that were free when the sweep started,
// destroys the expired ones and returns the smallest remaining lifetime
// among survivors.
func (p *Pool) sweepMaxAge(part *partition) time.Duration {
	cfg := p.Config()
	next := cfg.MaxConnectionAge
	n := part.freeCount()
	for i := 0; i < n; i++ {
		h := part.poll()
		if h == nil {
			break
		}
		remaining, kept := p.ageOne(h, cfg)
		if !kept {
			continue
		}
		if remaining < next {
			next = remaining
		}
		if !p.pause(cfg.SweepThrottle) {
			break
		}
	}
	return next
}

func (p *Pool) ageOne(h *Handle, cfg Config) (remaining time.Duration, kept bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("max-age sweep failed on connection",
				zap.String("conn_id", h.id.String()), zap.Any("panic", r))
			p.closeConnection(h)
			kept = false
		}
	}()
	age := time.Since(h.createdAt)
	if age >= cfg.MaxConnectionAge {
		p.logger.Debug("evicting expired connection",
			zap.String("conn_id", h.id.String()), zap.Duration("age", age))
		p.closeConnection(h)
		return 0, false
	}
	p.requeueSwept(h, cfg)
	return cfg.MaxConnectionAge - age, true
}

// requeueSwept returns a handle visited by a sweep without refreshing its
// idle timer. In LIFO mode it goes to the cold end.
func (p *Pool) requeueSwept(h *Handle, cfg Config) {
	if p.closing.Load() {
		p.closeConnection(h)
		return
	}
	p.requeue(h, cfg.lifo())
}

// idleLoop runs the idle tester sweep.
func (p *Pool) idleLoop(part *partition) {
	defer p.wg.Done()
	timer := time.NewTimer(idlePeriod(p.Config()))
	defer timer.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		p.sweepIdle(part)
		timer.Reset(idlePeriod(p.Config()))
	}
}

// idlePeriod is the shorter of the idle test period and idle max age.
func idlePeriod(cfg Config) time.Duration {
	d := time.Duration(0)
	for _, v := range []time.Duration{cfg.IdleConnectionTestPeriod, cfg.IdleMaxAge} {
		if v > 0 && (d == 0 || v < d) {
			d = v
		}
	}
	if d == 0 {
		return disabledSweepPeriod
	}
	if d < minSweepDelay {
		return minSweepDelay
	}
	return d
}

func (p *Pool) sweepIdle(part *partition) {
	cfg := p.Config()
	n := part.freeCount()
	for i := 0; i < n; i++ {
		h := part.poll()
		if h == nil {
			break
		}
		if !p.testIdle(h, cfg) {
			continue
		}
		if !p.pause(cfg.SweepThrottle) {
			break
		}
	}
}

// testIdle reports whether h survived the sweep.
func (p *Pool) testIdle(h *Handle, cfg Config) (kept bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("idle sweep failed on connection",
				zap.String("conn_id", h.id.String()), zap.Any("panic", r))
			p.closeConnection(h)
			kept = false
		}
	}()
	now := time.Now()
	if cfg.IdleMaxAge > 0 && now.Sub(h.LastUsed()) >= cfg.IdleMaxAge {
		p.logger.Debug("evicting idle connection",
			zap.String("conn_id", h.id.String()), zap.Duration("idle", now.Sub(h.LastUsed())))
		p.closeConnection(h)
		return false
	}
	due := cfg.IdleConnectionTestPeriod > 0 && now.Sub(h.lastTestedAt()) >= cfg.IdleConnectionTestPeriod
	if h.IsPossiblyBroken() || due {
		if err := p.probe(p.ctx, h, cfg); err != nil {
			p.logger.Info("idle connection failed probe",
				zap.String("conn_id", h.id.String()), zap.Error(err))
			p.closeConnection(h)
			return false
		}
	}
	p.requeueSwept(h, cfg)
	return true
}

// pause sleeps between handles. It returns false once the pool is closing.
func (p *Pool) pause(d time.Duration) bool {
	if d <= 0 {
		return !p.closing.Load()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

