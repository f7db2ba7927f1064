package pool

import "sync/atomic"

// Stats is the substrate counter block. All fields are maintained with
// atomic increments; GetStats returns a point-in-time copy.
type Stats struct {
	PoolAllocs atomic.Int64
	PoolFrees  atomic.Int64
	PoolHits   atomic.Int64
	PoolMisses atomic.Int64

	MessagesCreated  atomic.Int64
	MessagesRecycled atomic.Int64
	MessagesLive     atomic.Int64

	ZeroCopyCreated atomic.Int64
	ZeroCopyLive    atomic.Int64

	BatchesOpened    atomic.Int64
	BatchesCommitted atomic.Int64
	BatchesAborted   atomic.Int64
}

// StatsSnapshot is the JSON-friendly view.
type StatsSnapshot struct {
	PoolAllocs       int64   `json:"pool_allocs"`
	PoolFrees        int64   `json:"pool_frees"`
	PoolHits         int64   `json:"pool_hits"`
	PoolMisses       int64   `json:"pool_misses"`
	PoolUtilization  float64 `json:"pool_utilization"`
	MessagesCreated  int64   `json:"messages_created"`
	MessagesRecycled int64   `json:"messages_recycled"`
	MessagesLive     int64   `json:"messages_live"`
	ZeroCopyCreated  int64   `json:"zero_copy_created"`
	ZeroCopyLive     int64   `json:"zero_copy_live"`
	BatchesOpened    int64   `json:"batches_opened"`
	BatchesCommitted int64   `json:"batches_committed"`
	BatchesAborted   int64   `json:"batches_aborted"`
}

// GetStats snapshots the counters.
func (s *Substrate) GetStats() StatsSnapshot {
	return StatsSnapshot{
		PoolAllocs:       s.stats.PoolAllocs.Load(),
		PoolFrees:        s.stats.PoolFrees.Load(),
		PoolHits:         s.stats.PoolHits.Load(),
		PoolMisses:       s.stats.PoolMisses.Load(),
		PoolUtilization:  s.PoolUtilization(),
		MessagesCreated:  s.stats.MessagesCreated.Load(),
		MessagesRecycled: s.stats.MessagesRecycled.Load(),
		MessagesLive:     s.stats.MessagesLive.Load(),
		ZeroCopyCreated:  s.stats.ZeroCopyCreated.Load(),
		ZeroCopyLive:     s.stats.ZeroCopyLive.Load(),
		BatchesOpened:    s.stats.BatchesOpened.Load(),
		BatchesCommitted: s.stats.BatchesCommitted.Load(),
		BatchesAborted:   s.stats.BatchesAborted.Load(),
	}
}

// ResetStats zeroes the counters that are not live gauges.
func (s *Substrate) ResetStats() {
	s.stats.PoolAllocs.Store(0)
	s.stats.PoolFrees.Store(0)
	s.stats.PoolHits.Store(0)
	s.stats.PoolMisses.Store(0)
	s.stats.MessagesCreated.Store(0)
	s.stats.MessagesRecycled.Store(0)
	s.stats.ZeroCopyCreated.Store(0)
	s.stats.BatchesOpened.Store(0)
	s.stats.BatchesCommitted.Store(0)
	s.stats.BatchesAborted.Store(0)
}
