package persist

import (
	"math"
	"sync/atomic"
	"time"
)

// persistenceMetrics tracks read/write operation timings. Min and max
// are maintained with CAS loops so the hot path never takes a lock.
type persistenceMetrics struct {
	writeCount   atomic.Uint64
	readCount    atomic.Uint64
	writeErrors  atomic.Uint64
	readErrors   atomic.Uint64
	totalWriteMs atomic.Uint64
	totalReadMs  atomic.Uint64
	maxWriteMs   atomic.Uint64
	maxReadMs    atomic.Uint64
	minWriteMs   atomic.Uint64
	minReadMs    atomic.Uint64
}

func (m *persistenceMetrics) recordWrite(elapsed time.Duration, ok bool) {
	if !ok {
		m.writeErrors.Add(1)
		return
	}
	ms := uint64(elapsed.Milliseconds())
	m.writeCount.Add(1)
	m.totalWriteMs.Add(ms)
	casMax(&m.maxWriteMs, ms)
	casMin(&m.minWriteMs, ms)
}

func (m *persistenceMetrics) recordRead(elapsed time.Duration, ok bool) {
	if !ok {
		m.readErrors.Add(1)
		return
	}
	ms := uint64(elapsed.Milliseconds())
	m.readCount.Add(1)
	m.totalReadMs.Add(ms)
	casMax(&m.maxReadMs, ms)
	casMin(&m.minReadMs, ms)
}

func casMax(v *atomic.Uint64, x uint64) {
	for {
		cur := v.Load()
		if x <= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}

// casMin treats zero as unset so the first sample always lands.
func casMin(v *atomic.Uint64, x uint64) {
	for {
		cur := v.Load()
		if cur != 0 && x >= cur {
			return
		}
		if v.CompareAndSwap(cur, x) {
			return
		}
	}
}

// Stats is the snapshot returned by GetPersistenceStats.
type Stats struct {
	TotalWriteCount uint64  `json:"total_write_count"`
	TotalReadCount  uint64  `json:"total_read_count"`
	WriteErrors     uint64  `json:"write_errors"`
	ReadErrors      uint64  `json:"read_errors"`
	TotalWriteMs    uint64  `json:"total_write_ms"`
	TotalReadMs     uint64  `json:"total_read_ms"`
	MaxWriteMs      uint64  `json:"max_write_ms"`
	MaxReadMs       uint64  `json:"max_read_ms"`
	MinWriteMs      uint64  `json:"min_write_ms"`
	MinReadMs       uint64  `json:"min_read_ms"`
	AvgWriteMs      float64 `json:"avg_write_ms"`
	AvgReadMs       float64 `json:"avg_read_ms"`
}

// GetPersistenceStats snapshots the timing counters.
func (e *Engine) GetPersistenceStats() Stats {
	s := Stats{
		TotalWriteCount: e.stats.writeCount.Load(),
		TotalReadCount:  e.stats.readCount.Load(),
		WriteErrors:     e.stats.writeErrors.Load(),
		ReadErrors:      e.stats.readErrors.Load(),
		TotalWriteMs:    e.stats.totalWriteMs.Load(),
		TotalReadMs:     e.stats.totalReadMs.Load(),
		MaxWriteMs:      e.stats.maxWriteMs.Load(),
		MaxReadMs:       e.stats.maxReadMs.Load(),
		MinWriteMs:      e.stats.minWriteMs.Load(),
		MinReadMs:       e.stats.minReadMs.Load(),
	}
	if s.TotalWriteCount > 0 {
		s.AvgWriteMs = float64(s.TotalWriteMs) / float64(s.TotalWriteCount)
	}
	if s.TotalReadCount > 0 {
		s.AvgReadMs = float64(s.TotalReadMs) / float64(s.TotalReadCount)
	}
	return s
}

// ResetPersistenceStats zeroes the timing counters.
func (e *Engine) ResetPersistenceStats() {
	e.stats.writeCount.Store(0)
	e.stats.readCount.Store(0)
	e.stats.writeErrors.Store(0)
	e.stats.readErrors.Store(0)
	e.stats.totalWriteMs.Store(0)
	e.stats.totalReadMs.Store(0)
	e.stats.maxWriteMs.Store(0)
	e.stats.maxReadMs.Store(0)
	e.stats.minWriteMs.Store(0)
	e.stats.minReadMs.Store(0)
}

// ErrorRate returns failed operations over total attempts in [0,1].
// Used by the persistence health check.
func (e *Engine) ErrorRate() float64 {
	errs := e.stats.writeErrors.Load() + e.stats.readErrors.Load()
	oks := e.stats.writeCount.Load() + e.stats.readCount.Load()
	total := errs + oks
	if total == 0 {
		return 0
	}
	rate := float64(errs) / float64(total)
	if math.IsNaN(rate) {
		return 0
	}
	return rate
}
