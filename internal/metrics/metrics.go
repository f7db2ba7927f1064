// Package metrics collects engine observability data.
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (atomic counters) serving the
//     GetMetrics JSON snapshot used by embedding hosts.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// Keeping both allows a host to read metrics without running a
// Prometheus sidecar while still supporting enterprise monitoring.
//
// RecordSend and RecordReceive sit on the hot path and use atomic
// increments exclusively; no lock is held while recording.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics is the engine-wide counter block.
type Metrics struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	MessagesAcked    atomic.Int64
	MessagesNacked   atomic.Int64
	MessagesExpired  atomic.Int64
	MessagesDead     atomic.Int64
	MessagesDropped  atomic.Int64

	BytesIn  atomic.Int64
	BytesOut atomic.Int64

	SendRejections atomic.Int64 // QUEUE_FULL responses
	ReceiveTimeout atomic.Int64

	// Latency in microseconds, min/max maintained with CAS loops.
	TotalSendLatencyUs atomic.Int64
	MinSendLatencyUs   atomic.Int64
	MaxSendLatencyUs   atomic.Int64
}

// New returns a zeroed metrics block with min latencies primed.
func New() *Metrics {
	m := &Metrics{}
	m.MinSendLatencyUs.Store(int64(^uint64(0) >> 1))
	return m
}

// RecordSend records a successful send and its latency.
func (m *Metrics) RecordSend(bytes int, elapsed time.Duration) {
	m.MessagesSent.Add(1)
	m.BytesIn.Add(int64(bytes))
	us := elapsed.Microseconds()
	m.TotalSendLatencyUs.Add(us)
	for {
		cur := m.MaxSendLatencyUs.Load()
		if us <= cur || m.MaxSendLatencyUs.CompareAndSwap(cur, us) {
			break
		}
	}
	for {
		cur := m.MinSendLatencyUs.Load()
		if us >= cur || m.MinSendLatencyUs.CompareAndSwap(cur, us) {
			break
		}
	}
}

// RecordReceive records a delivered message.
func (m *Metrics) RecordReceive(bytes int) {
	m.MessagesReceived.Add(1)
	m.BytesOut.Add(int64(bytes))
}

// Snapshot is the JSON-friendly view of the counters.
type Snapshot struct {
	MessagesSent     int64 `json:"messages_sent"`
	MessagesReceived int64 `json:"messages_received"`
	MessagesAcked    int64 `json:"messages_acked"`
	MessagesNacked   int64 `json:"messages_nacked"`
	MessagesExpired  int64 `json:"messages_expired"`
	MessagesDead     int64 `json:"messages_dead"`
	MessagesDropped  int64 `json:"messages_dropped"`
	BytesIn          int64 `json:"bytes_in"`
	BytesOut         int64 `json:"bytes_out"`
	SendRejections   int64 `json:"send_rejections"`
	ReceiveTimeout   int64 `json:"receive_timeouts"`
	AvgSendLatencyUs int64 `json:"avg_send_latency_us"`
	MinSendLatencyUs int64 `json:"min_send_latency_us"`
	MaxSendLatencyUs int64 `json:"max_send_latency_us"`
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		MessagesSent:     m.MessagesSent.Load(),
		MessagesReceived: m.MessagesReceived.Load(),
		MessagesAcked:    m.MessagesAcked.Load(),
		MessagesNacked:   m.MessagesNacked.Load(),
		MessagesExpired:  m.MessagesExpired.Load(),
		MessagesDead:     m.MessagesDead.Load(),
		MessagesDropped:  m.MessagesDropped.Load(),
		BytesIn:          m.BytesIn.Load(),
		BytesOut:         m.BytesOut.Load(),
		SendRejections:   m.SendRejections.Load(),
		ReceiveTimeout:   m.ReceiveTimeout.Load(),
		MaxSendLatencyUs: m.MaxSendLatencyUs.Load(),
	}
	if lo := m.MinSendLatencyUs.Load(); lo != int64(^uint64(0)>>1) {
		s.MinSendLatencyUs = lo
	}
	if s.MessagesSent > 0 {
		s.AvgSendLatencyUs = m.TotalSendLatencyUs.Load() / s.MessagesSent
	}
	return s
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	m.MessagesSent.Store(0)
	m.MessagesReceived.Store(0)
	m.MessagesAcked.Store(0)
	m.MessagesNacked.Store(0)
	m.MessagesExpired.Store(0)
	m.MessagesDead.Store(0)
	m.MessagesDropped.Store(0)
	m.BytesIn.Store(0)
	m.BytesOut.Store(0)
	m.SendRejections.Store(0)
	m.ReceiveTimeout.Store(0)
	m.TotalSendLatencyUs.Store(0)
	m.MinSendLatencyUs.Store(int64(^uint64(0) >> 1))
	m.MaxSendLatencyUs.Store(0)
}
