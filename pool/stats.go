package pool

import (
	"sync/atomic"
	"time"
)

type statCounters struct {
	requested          atomic.Int64
	created            atomic.Int64
	destroyed          atomic.Int64
	acquireFailures    atomic.Int64
	waitNanos          atomic.Int64
	statementsExecuted atomic.Int64
	executeNanos       atomic.Int64
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64
}

// PartitionStats 分区快照
type PartitionStats struct {
	Index     int `json:"index"`
	Free      int `json:"free"`
	Allocated int `json:"allocated"`
	Leased    int `json:"leased"`
	Min       int `json:"min"`
	Max       int `json:"max"`
}

// Statistics 连接池统计信息
type Statistics struct {
	PoolName                string           `json:"pool_name"`
	ConnectionsRequested    int64            `json:"connections_requested"`
	ConnectionsCreated      int64            `json:"connections_created"`
	ConnectionsDestroyed    int64            `json:"connections_destroyed"`
	AcquireFailures         int64            `json:"acquire_failures"`
	CumulativeWait          time.Duration    `json:"cumulative_wait"`
	StatementsExecuted      int64            `json:"statements_executed"`
	CumulativeExecutionTime time.Duration    `json:"cumulative_execution_time"`
	CacheHits               int64            `json:"cache_hits"`
	CacheMisses             int64            `json:"cache_misses"`
	TotalFree               int              `json:"total_free"`
	TotalLeased             int              `json:"total_leased"`
	TotalCreated            int              `json:"total_created"`
	RetryBudget             int32            `json:"retry_budget"`
	Generation              uint64           `json:"generation"`
	Partitions              []PartitionStats `json:"partitions"`
}

// AverageWait returns the mean time callers spent in Acquire.
func (s Statistics) AverageWait() time.Duration {
	if s.ConnectionsRequested == 0 {
		return 0
	}
	return s.CumulativeWait / time.Duration(s.ConnectionsRequested)
}

// AverageExecutionTime returns the mean statement execution time.
func (s Statistics) AverageExecutionTime() time.Duration {
	if s.StatementsExecuted == 0 {
		return 0
	}
	return s.CumulativeExecutionTime / time.Duration(s.StatementsExecuted)
}

// CacheHitRatio returns hits / (hits + misses), or 0 without lookups.
func (s Statistics) CacheHitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() Statistics {
	s := Statistics{
		PoolName:                p.Config().PoolName,
		ConnectionsRequested:    p.stats.requested.Load(),
		ConnectionsCreated:      p.stats.created.Load(),
		ConnectionsDestroyed:    p.stats.destroyed.Load(),
		AcquireFailures:         p.stats.acquireFailures.Load(),
		CumulativeWait:          time.Duration(p.stats.waitNanos.Load()),
		StatementsExecuted:      p.stats.statementsExecuted.Load(),
		CumulativeExecutionTime: time.Duration(p.stats.executeNanos.Load()),
		CacheHits:               p.stats.cacheHits.Load(),
		CacheMisses:             p.stats.cacheMisses.Load(),
		RetryBudget:             p.retryBudget.Load(),
		Generation:              p.generation.Load(),
		Partitions:              make([]PartitionStats, 0, len(p.partitions)),
	}
	for _, part := range p.partitions {
		free := part.freeCount()
		allocated := int(part.allocated.Load())
		leased := allocated - free
		if leased < 0 {
			leased = 0
		}
		s.Partitions = append(s.Partitions, PartitionStats{
			Index:     part.index,
			Free:      free,
			Allocated: allocated,
			Leased:    leased,
			Min:       int(part.min.Load()),
			Max:       int(part.max.Load()),
		})
		s.TotalFree += free
		s.TotalLeased += leased
		s.TotalCreated += allocated
	}
	return s
}

// TotalFree returns the number of idle connections across partitions.
func (p *Pool) TotalFree() int {
	n := 0
	for _, part := range p.partitions {
		n += part.freeCount()
	}
	return n
}

// TotalCreated returns the number of live backend connections.
func (p *Pool) TotalCreated() int {
	n := 0
	for _, part := range p.partitions {
		n += int(part.allocated.Load())
	}
	return n
}

// TotalLeased returns the number of connections currently checked out.
func (p *Pool) TotalLeased() int {
	n := p.TotalCreated() - p.TotalFree()
	if n < 0 {
		return 0
	}
	return n
}
