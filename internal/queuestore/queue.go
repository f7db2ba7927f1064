package queuestore

import (
	"math"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// inflightEntry tracks one delivered-but-unacked message.
type inflightEntry struct {
	msg      *domain.Message
	consumer string
	since    time.Time
	deadline time.Time
}

// queue is the runtime state of one queue. All fields are guarded by mu;
// notify implements the condition-variable wakeup for blocked receivers
// as a channel so waits can carry a deadline.
type queue struct {
	mu    sync.Mutex
	cfg   domain.QueueConfig
	stats domain.QueueStats

	pending  pendingSeq
	inflight map[domain.MessageID]*inflightEntry
	// retrySet holds nacked messages waiting for their retry-eligible
	// time; they are in neither pending nor inflight until the sweeper
	// moves them back.
	retrySet map[domain.MessageID]*retryEntry
	// dedupe maps idempotency keys of exactly-once messages that are
	// currently pending or inflight to their assigned id.
	dedupe map[string]domain.MessageID

	notify  chan struct{}
	closing bool
}

type retryEntry struct {
	msg        *domain.Message
	eligibleAt time.Time
}

func newQueue(cfg domain.QueueConfig) *queue {
	now := time.Now().UnixMilli()
	q := &queue{
		cfg:      cfg,
		pending:  newPendingSeq(cfg.Type),
		inflight: make(map[domain.MessageID]*inflightEntry),
		retrySet: make(map[domain.MessageID]*retryEntry),
		dedupe:   make(map[string]domain.MessageID),
		notify:   make(chan struct{}, 1),
	}
	q.stats.CreatedAt = now
	q.stats.UpdatedAt = now
	return q
}

// signal wakes one blocked receiver. Non-blocking: a full notify buffer
// means a wakeup is already in flight.
func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// hasCapacityLocked checks the count and byte limits for one more
// message of the given size.
func (q *queue) hasCapacityLocked(size uint64) bool {
	if q.stats.PendingCount >= uint64(q.cfg.MaxSize) {
		return false
	}
	if q.stats.PendingBytes+size > q.cfg.MaxSizeBytes {
		return false
	}
	return true
}

// enqueueLocked inserts an accepted message into pending and updates
// the counters. The id must already be assigned.
func (q *queue) enqueueLocked(m *domain.Message) {
	m.Status = domain.StatusPending
	q.pending.push(m)
	q.stats.PendingCount++
	q.stats.PendingBytes += m.Size()
	q.stats.TotalEnqueued++
	q.stats.UpdatedAt = time.Now().UnixMilli()
	if key, ok := m.Property(domain.PropIdempotencyKey); ok && m.Header.Delivery == domain.ExactlyOnce {
		q.dedupe[key] = m.Header.ID
	}
}

// enqueueRetryLocked reinserts a message into pending without counting
// a fresh enqueue: retries and recovery re-append, they do not re-send.
func (q *queue) enqueueRetryLocked(m *domain.Message) {
	m.Status = domain.StatusPending
	q.pending.push(m)
	q.stats.PendingCount++
	q.stats.PendingBytes += m.Size()
	q.stats.UpdatedAt = time.Now().UnixMilli()
	if key, ok := m.Property(domain.PropIdempotencyKey); ok && m.Header.Delivery == domain.ExactlyOnce {
		q.dedupe[key] = m.Header.ID
	}
}

// takeLocked pops the next deliverable message, skipping expired ones.
// Expired messages are returned in the second value for dead-letter
// routing outside the lock.
func (q *queue) takeLocked(now time.Time) (*domain.Message, []*domain.Message) {
	var expired []*domain.Message
	for {
		m := q.pending.pop()
		if m == nil {
			return nil, expired
		}
		q.stats.PendingCount--
		q.stats.PendingBytes -= m.Size()
		if m.Expired(now) {
			q.stats.TotalExpired++
			q.clearDedupeLocked(m)
			expired = append(expired, m)
			continue
		}
		return m, expired
	}
}

// markInflightLocked moves a taken message into the inflight set.
func (q *queue) markInflightLocked(m *domain.Message, consumer string, now time.Time) {
	m.Status = domain.StatusInflight
	visibility := time.Duration(q.cfg.VisibilityTimeoutMs) * time.Millisecond
	q.inflight[m.Header.ID] = &inflightEntry{
		msg:      m,
		consumer: consumer,
		since:    now,
		deadline: now.Add(visibility),
	}
	q.stats.InflightCount++
	q.stats.TotalDequeued++
	q.stats.UpdatedAt = now.UnixMilli()
}

func (q *queue) clearDedupeLocked(m *domain.Message) {
	if key, ok := m.Property(domain.PropIdempotencyKey); ok {
		delete(q.dedupe, key)
	}
}

// retryDelay computes the backoff before the given attempt is
// redelivered: base delay times multiplier^(attempt-1), capped.
func (q *queue) retryDelay(attempt uint32) time.Duration {
	base := q.cfg.RetryDelayMs
	if !q.cfg.EnableBackoff || attempt <= 1 {
		return time.Duration(base) * time.Millisecond
	}
	ms := float64(base) * math.Pow(q.cfg.BackoffMultiplier, float64(attempt-1))
	if ceil := float64(q.cfg.MaxRetryDelayMs); ms > ceil {
		ms = ceil
	}
	return time.Duration(ms) * time.Millisecond
}

// snapshotLocked copies the stats block.
func (q *queue) snapshotLocked() domain.QueueInfo {
	return domain.QueueInfo{Config: q.cfg, Stats: q.stats}
}
