// Package queuestore holds the per-queue runtime state and delivery
// logic: pending order, the inflight set, ack tracking, retry
// scheduling, and dead-letter routing.
//
// # Concurrency model
//
// The registry (create/delete/list) is guarded by a read-write mutex;
// each queue has its own mutex for pending/inflight mutations. Blocked
// receivers wait on a buffered notify channel per queue, which plays the
// condition-variable role while letting waits carry a deadline. A single
// background sweeper per store handles visibility timeouts and retry
// eligibility.
//
// Lock order, strict: registry → queue → persistence. Dead-letter
// routing releases the source queue's lock before touching the target
// queue, so no call path ever holds two queue locks.
//
// # Invariants
//
//   - A message is in exactly one of pending, inflight, or the retry
//     set; transitions happen under the queue lock.
//   - stats.PendingCount and stats.PendingBytes always equal the pending
//     sequence's contents.
//   - Capacity is enforced at accept time, before persistence.
//   - Message ids come from a process-wide monotonic counter and are
//     never reused, including across recovery.
package queuestore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/persist"
)

// DefaultSweepInterval is how often the background worker scans for
// visibility timeouts and retry eligibility.
const DefaultSweepInterval = 50 * time.Millisecond

// Store is the queue registry plus the shared background sweeper.
type Store struct {
	mu     sync.RWMutex
	queues map[string]*queue

	engine  *persist.Engine
	metrics *metrics.Metrics

	listenerMu sync.RWMutex
	listeners  map[string][]Listener

	nextID atomic.Uint64

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	started       atomic.Bool
}

// New builds a store on top of an initialized persistence engine.
func New(engine *persist.Engine, m *metrics.Metrics, sweepInterval time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Store{
		queues:        make(map[string]*queue),
		engine:        engine,
		metrics:       m,
		listeners:     make(map[string][]Listener),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the sweeper goroutine.
func (s *Store) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.sweeper()
}

// Stop halts the sweeper, wakes all blocked receivers, and persists
// final stats for disk-backed queues.
func (s *Store) Stop() {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		q.mu.Lock()
		cfg, stats := q.cfg, q.stats
		q.signal()
		q.mu.Unlock()
		if cfg.Persistence == domain.DiskPersistent {
			if err := s.engine.SaveQueue(cfg, stats); err != nil {
				logging.Op().Error("final queue stats save failed", "queue", cfg.Name, "error", err)
			}
		}
	}
}

// NextID hands out the next process-wide message id.
func (s *Store) NextID() domain.MessageID {
	return domain.MessageID(s.nextID.Add(1))
}

func (s *Store) get(name string) (*queue, error) {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrQueueNotFound
	}
	return q, nil
}

// CreateQueue registers a queue and persists its metadata.
func (s *Store) CreateQueue(cfg domain.QueueConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: queue name empty", domain.ErrInvalidParameter)
	}
	cfg.Normalize()

	s.mu.Lock()
	if _, exists := s.queues[cfg.Name]; exists {
		s.mu.Unlock()
		return domain.ErrQueueAlreadyExists
	}
	q := newQueue(cfg)
	s.queues[cfg.Name] = q
	s.mu.Unlock()

	if err := s.engine.SaveQueue(cfg, q.stats); err != nil {
		s.mu.Lock()
		delete(s.queues, cfg.Name)
		s.mu.Unlock()
		logging.Op().Error("queue metadata save failed", "queue", cfg.Name, "error", err)
		return err
	}
	logging.Op().Info("queue created",
		"queue", cfg.Name,
		"type", cfg.Type,
		"persistence", cfg.Persistence,
		"max_size", cfg.MaxSize,
	)
	return nil
}

// DeleteQueue closes a queue, wakes its receivers, and deletes its
// messages from persistence.
func (s *Store) DeleteQueue(name string) error {
	s.mu.Lock()
	q, ok := s.queues[name]
	if ok {
		delete(s.queues, name)
	}
	s.mu.Unlock()
	if !ok {
		return domain.ErrQueueNotFound
	}

	q.mu.Lock()
	q.closing = true
	dropped := q.pending.drain()
	for _, e := range q.inflight {
		dropped = append(dropped, e.msg)
	}
	for _, r := range q.retrySet {
		dropped = append(dropped, r.msg)
	}
	q.inflight = map[domain.MessageID]*inflightEntry{}
	q.retrySet = map[domain.MessageID]*retryEntry{}
	q.stats.PendingCount, q.stats.PendingBytes, q.stats.InflightCount = 0, 0, 0
	q.signal()
	q.mu.Unlock()

	for _, m := range dropped {
		m.ReleaseRef()
	}
	if err := s.engine.DeleteQueue(name); err != nil && domain.ResultOf(err) != domain.QueueNotFound {
		logging.Op().Error("queue persistence delete failed", "queue", name, "error", err)
	}
	logging.Op().Info("queue deleted", "queue", name, "dropped_messages", len(dropped))
	return nil
}

// PurgeQueue removes all pending, inflight, and retry-scheduled
// messages without deleting the queue itself.
func (s *Store) PurgeQueue(name string) error {
	q, err := s.get(name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	purged := q.pending.drain()
	for _, e := range q.inflight {
		purged = append(purged, e.msg)
	}
	for _, r := range q.retrySet {
		purged = append(purged, r.msg)
	}
	q.inflight = map[domain.MessageID]*inflightEntry{}
	q.retrySet = map[domain.MessageID]*retryEntry{}
	q.dedupe = map[string]domain.MessageID{}
	q.stats.PendingCount, q.stats.PendingBytes, q.stats.InflightCount = 0, 0, 0
	q.stats.UpdatedAt = time.Now().UnixMilli()
	disk := q.cfg.Persistence == domain.DiskPersistent
	q.mu.Unlock()

	for _, m := range purged {
		if disk {
			_ = s.engine.DeleteMessage(name, m.Header.ID)
		}
		m.ReleaseRef()
	}
	logging.Op().Info("queue purged", "queue", name, "messages", len(purged))
	return nil
}

// ListQueues returns the registered queue names.
func (s *Store) ListQueues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	return names
}

// GetInfo snapshots one queue's configuration and counters.
func (s *Store) GetInfo(name string) (domain.QueueInfo, error) {
	q, err := s.get(name)
	if err != nil {
		return domain.QueueInfo{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked(), nil
}

// Send accepts a message: capacity check, id assignment, persistence
// for disk-backed queues, then insertion into pending. An over-capacity
// send is rerouted to the dead-letter queue when one is configured,
// otherwise rejected with QUEUE_FULL.
func (s *Store) Send(name string, m *domain.Message) (domain.MessageID, error) {
	start := time.Now()
	q, err := s.get(name)
	if err != nil {
		return 0, err
	}

	size := m.Size()
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return 0, domain.ErrQueueNotFound
	}

	// Exactly-once dedupe: a key already pending or inflight means this
	// send is a duplicate of an unconsumed message.
	if m.Header.Delivery == domain.ExactlyOnce {
		if key, ok := m.Property(domain.PropIdempotencyKey); ok {
			if id, dup := q.dedupe[key]; dup {
				q.mu.Unlock()
				m.ReleaseRef()
				return id, nil
			}
		}
	}

	if !q.hasCapacityLocked(size) {
		overflowToDLQ := q.cfg.DeadLetterEnabled && q.cfg.DeadLetterQueue != ""
		q.stats.TotalDropped++
		q.mu.Unlock()
		s.metrics.SendRejections.Add(1)
		if p := metrics.Prom(); p != nil {
			p.ObserveRejection(name)
		}
		if overflowToDLQ {
			id := s.routeDeadLetter(name, m, domain.ReasonOverflow)
			return id, nil
		}
		return 0, domain.ErrQueueFull
	}

	if m.Header.ID == 0 {
		m.Header.ID = s.NextID()
	}
	if m.Header.Timestamp == 0 {
		m.Header.Timestamp = start.UnixMilli()
	}
	if m.Header.ExpireTime == 0 && q.cfg.MessageTTLMs > 0 {
		m.Header.ExpireTime = start.UnixMilli() + q.cfg.MessageTTLMs
	}
	if m.Header.MaxRetries == 0 {
		m.Header.MaxRetries = q.cfg.MaxRetries
	}

	if q.cfg.Persistence == domain.DiskPersistent {
		// Queue lock above persistence is the designed lock order.
		if err := s.engine.SaveMessage(name, m); err != nil {
			q.mu.Unlock()
			return 0, err
		}
	}

	q.enqueueLocked(m)
	q.signal()
	q.mu.Unlock()

	s.metrics.RecordSend(int(size), time.Since(start))
	if p := metrics.Prom(); p != nil {
		p.ObserveSend(name, float64(time.Since(start).Microseconds())/1000)
	}
	s.fire(Event{Type: EventEnqueued, Queue: name, MessageID: m.Header.ID})
	return m.Header.ID, nil
}

// EnqueueBatch accepts a group of messages under one queue-lock
// acquisition so consumers observe them as a contiguous run in
// insertion order. Capacity is checked for the whole batch up front;
// disk-backed queues persist the batch with a single all-or-nothing
// write.
func (s *Store) EnqueueBatch(name string, msgs []*domain.Message) ([]domain.MessageID, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	q, err := s.get(name)
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, m := range msgs {
		total += m.Size()
	}

	now := time.Now()
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return nil, domain.ErrQueueNotFound
	}
	if q.stats.PendingCount+uint64(len(msgs)) > uint64(q.cfg.MaxSize) ||
		q.stats.PendingBytes+total > q.cfg.MaxSizeBytes {
		q.mu.Unlock()
		s.metrics.SendRejections.Add(1)
		return nil, domain.ErrQueueFull
	}

	ids := make([]domain.MessageID, len(msgs))
	for i, m := range msgs {
		if m.Header.ID == 0 {
			m.Header.ID = s.NextID()
		}
		ids[i] = m.Header.ID
		if m.Header.Timestamp == 0 {
			m.Header.Timestamp = now.UnixMilli()
		}
		if m.Header.ExpireTime == 0 && q.cfg.MessageTTLMs > 0 {
			m.Header.ExpireTime = now.UnixMilli() + q.cfg.MessageTTLMs
		}
		if m.Header.MaxRetries == 0 {
			m.Header.MaxRetries = q.cfg.MaxRetries
		}
	}

	if q.cfg.Persistence == domain.DiskPersistent {
		if err := s.engine.SaveBatchMessages(name, msgs); err != nil {
			q.mu.Unlock()
			return nil, err
		}
	}
	for _, m := range msgs {
		q.enqueueLocked(m)
	}
	q.signal()
	q.mu.Unlock()

	for _, m := range msgs {
		s.metrics.RecordSend(int(m.Size()), time.Since(now))
		s.fire(Event{Type: EventEnqueued, Queue: name, MessageID: m.Header.ID})
	}
	return ids, nil
}

// InjectPersisted inserts an already-persisted message into pending
// without touching the persistence layer again. Used by transaction
// commit (phase two).
func (s *Store) InjectPersisted(name string, m *domain.Message) error {
	q, err := s.get(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return domain.ErrQueueNotFound
	}
	if !q.hasCapacityLocked(m.Size()) {
		q.mu.Unlock()
		return domain.ErrQueueFull
	}
	q.enqueueLocked(m)
	q.signal()
	q.mu.Unlock()
	s.fire(Event{Type: EventEnqueued, Queue: name, MessageID: m.Header.ID})
	return nil
}

// RemovePending withdraws a pending message, deleting it from
// persistence. Used by transaction commit cleanup.
func (s *Store) RemovePending(name string, id domain.MessageID) error {
	q, err := s.get(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	m := q.pending.remove(id)
	if m != nil {
		q.stats.PendingCount--
		q.stats.PendingBytes -= m.Size()
		q.clearDedupeLocked(m)
	}
	disk := q.cfg.Persistence == domain.DiskPersistent
	q.mu.Unlock()
	if m == nil {
		return domain.ErrMessageNotFound
	}
	if disk {
		_ = s.engine.DeleteMessage(name, id)
	}
	m.ReleaseRef()
	return nil
}

// Receive blocks until a message is deliverable or the timeout passes.
func (s *Store) Receive(name string, timeout time.Duration, consumer string) (*domain.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		q, err := s.get(name)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		q.mu.Lock()
		if q.closing {
			q.mu.Unlock()
			return nil, domain.ErrQueueNotFound
		}
		m, expired := q.takeLocked(now)
		if m != nil {
			q.markInflightLocked(m, consumer, now)
			if q.pending.len() > 0 {
				// Chain the wakeup for the next waiter.
				q.signal()
			}
		}
		disk := q.cfg.Persistence == domain.DiskPersistent
		q.mu.Unlock()

		s.disposeExpired(name, expired, disk)

		if m != nil {
			s.metrics.RecordReceive(len(m.Payload))
			if p := metrics.Prom(); p != nil {
				p.ObserveReceive(name, float64(time.Since(now).Microseconds())/1000)
			}
			s.fire(Event{Type: EventDelivered, Queue: name, MessageID: m.Header.ID})
			return m, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.metrics.ReceiveTimeout.Add(1)
			return nil, domain.ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			s.metrics.ReceiveTimeout.Add(1)
			return nil, domain.ErrTimeout
		case <-s.stopCh:
			timer.Stop()
			return nil, domain.ErrTimeout
		}
	}
}

// Ack removes an inflight message for good.
func (s *Store) Ack(name string, id domain.MessageID) error {
	q, err := s.get(name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	entry, ok := q.inflight[id]
	if !ok {
		var result error = domain.ErrMessageNotFound
		if q.pending.contains(id) || q.retrySet[id] != nil {
			result = domain.ErrNotInflight
		}
		q.mu.Unlock()
		return result
	}
	delete(q.inflight, id)
	q.stats.InflightCount--
	q.stats.TotalAcked++
	q.stats.UpdatedAt = time.Now().UnixMilli()
	q.clearDedupeLocked(entry.msg)
	disk := q.cfg.Persistence == domain.DiskPersistent
	q.mu.Unlock()

	if disk {
		if err := s.engine.DeleteMessage(name, id); err != nil && domain.ResultOf(err) != domain.MessageNotFound {
			logging.Op().Error("persisted delete on ack failed", "queue", name, "id", uint64(id), "error", err)
		}
	}
	entry.msg.Status = domain.StatusAcked
	entry.msg.ReleaseRef()
	s.metrics.MessagesAcked.Add(1)
	if p := metrics.Prom(); p != nil {
		p.ObserveAck(name)
	}
	s.fire(Event{Type: EventAcked, Queue: name, MessageID: id})
	return nil
}

// Nack reports delivery failure. With requeue, the message is scheduled
// for retry until its retry budget runs out; without, or once the
// budget is exhausted, it is dead-lettered or dropped.
func (s *Store) Nack(name string, id domain.MessageID, requeue bool) error {
	q, err := s.get(name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	entry, ok := q.inflight[id]
	if !ok {
		var result error = domain.ErrMessageNotFound
		if q.pending.contains(id) || q.retrySet[id] != nil {
			result = domain.ErrNotInflight
		}
		q.mu.Unlock()
		return result
	}
	delete(q.inflight, id)
	q.stats.InflightCount--
	q.stats.TotalNacked++
	q.mu.Unlock()

	s.metrics.MessagesNacked.Add(1)
	if p := metrics.Prom(); p != nil {
		p.ObserveNack(name)
	}
	s.scheduleRetryOrDead(q, name, entry.msg, requeue)
	return nil
}

// scheduleRetryOrDead applies the retry policy to a failed delivery.
// Caller must not hold the queue lock.
func (s *Store) scheduleRetryOrDead(q *queue, name string, m *domain.Message, requeue bool) {
	q.mu.Lock()
	if requeue && m.Header.RetryCount < m.Header.MaxRetries {
		m.Header.RetryCount++
		m.Status = domain.StatusFailed
		q.retrySet[m.Header.ID] = &retryEntry{
			msg:        m,
			eligibleAt: time.Now().Add(q.retryDelay(m.Header.RetryCount)),
		}
		q.mu.Unlock()
		return
	}
	q.stats.TotalDeadLettered++
	q.clearDedupeLocked(m)
	dlq := ""
	if q.cfg.DeadLetterEnabled && q.cfg.DeadLetterQueue != "" {
		dlq = q.cfg.DeadLetterQueue
	}
	disk := q.cfg.Persistence == domain.DiskPersistent
	q.mu.Unlock()

	if disk {
		_ = s.engine.DeleteMessage(name, m.Header.ID)
	}
	if dlq != "" {
		s.routeDeadLetter(name, m, domain.ReasonMaxRetries)
	} else {
		m.Status = domain.StatusDead
		m.ReleaseRef()
		s.metrics.MessagesDropped.Add(1)
		s.fire(Event{Type: EventDropped, Queue: name, MessageID: m.Header.ID, Reason: domain.ReasonMaxRetries})
	}
}

// routeDeadLetter sends a copy of m to the configured dead-letter queue
// with provenance properties. Runs without holding any queue lock; the
// target queue's lock is acquired inside Send.
func (s *Store) routeDeadLetter(srcQueue string, m *domain.Message, reason string) domain.MessageID {
	src, err := s.get(srcQueue)
	if err != nil {
		return 0
	}
	src.mu.Lock()
	dlqName := src.cfg.DeadLetterQueue
	dlqTTL := src.cfg.DeadLetterTTLMs
	src.mu.Unlock()
	if dlqName == "" {
		return 0
	}

	dead := m.Clone()
	dead.Header.ID = 0
	dead.Header.RetryCount = 0
	dead.Status = domain.StatusPending
	dead.SetProperty(domain.PropReason, reason)
	dead.SetProperty(domain.PropOriginQueue, srcQueue)
	dead.SetProperty(domain.PropOriginMessageID, fmt.Sprintf("%d", m.Header.ID))
	dead.SetProperty(domain.PropOriginTimestamp, fmt.Sprintf("%d", m.Header.Timestamp))
	if dlqTTL > 0 {
		dead.Header.ExpireTime = time.Now().UnixMilli() + dlqTTL
	} else {
		dead.Header.ExpireTime = 0
	}

	m.Status = domain.StatusDead
	m.ReleaseRef()

	id, err := s.Send(dlqName, dead)
	if err != nil {
		logging.Op().Warn("dead-letter routing failed, dropping message",
			"queue", srcQueue, "dlq", dlqName, "reason", reason, "error", err)
		s.metrics.MessagesDropped.Add(1)
		return 0
	}
	s.metrics.MessagesDead.Add(1)
	if p := metrics.Prom(); p != nil {
		p.ObserveDeadLetter(srcQueue, reason)
	}
	s.fire(Event{Type: EventDeadLettered, Queue: srcQueue, MessageID: m.Header.ID, Reason: reason})
	return id
}

// disposeExpired routes or drops messages that expired while pending.
func (s *Store) disposeExpired(name string, expired []*domain.Message, disk bool) {
	for _, m := range expired {
		if disk {
			_ = s.engine.DeleteMessage(name, m.Header.ID)
		}
		s.metrics.MessagesExpired.Add(1)
		q, err := s.get(name)
		if err != nil {
			m.ReleaseRef()
			continue
		}
		q.mu.Lock()
		hasDLQ := q.cfg.DeadLetterEnabled && q.cfg.DeadLetterQueue != ""
		q.mu.Unlock()
		if hasDLQ {
			s.routeDeadLetter(name, m, domain.ReasonExpired)
		} else {
			m.Status = domain.StatusDead
			m.ReleaseRef()
			s.metrics.MessagesDropped.Add(1)
			s.fire(Event{Type: EventDropped, Queue: name, MessageID: m.Header.ID, Reason: domain.ReasonExpired})
		}
	}
}

// sweeper is the per-store background worker: it requeues
// visibility-timed-out inflight messages, promotes retry-eligible
// messages back into pending, and refreshes depth gauges.
func (s *Store) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(time.Now())
		}
	}
}

func (s *Store) sweepOnce(now time.Time) {
	s.mu.RLock()
	queues := make(map[string]*queue, len(s.queues))
	for name, q := range s.queues {
		queues[name] = q
	}
	s.mu.RUnlock()

	for name, q := range queues {
		var timedOut []*domain.Message

		q.mu.Lock()
		for id, entry := range q.inflight {
			if now.After(entry.deadline) {
				delete(q.inflight, id)
				q.stats.InflightCount--
				q.stats.TotalNacked++
				timedOut = append(timedOut, entry.msg)
			}
		}
		promoted := 0
		for id, r := range q.retrySet {
			if !now.Before(r.eligibleAt) {
				delete(q.retrySet, id)
				q.enqueueRetryLocked(r.msg)
				promoted++
			}
		}
		if promoted > 0 {
			q.signal()
		}
		pendingDepth := float64(q.stats.PendingCount)
		inflightDepth := float64(q.stats.InflightCount)
		q.mu.Unlock()

		if p := metrics.Prom(); p != nil {
			p.SetDepth(name, pendingDepth, inflightDepth)
		}
		for _, m := range timedOut {
			// A visibility timeout is handled exactly like a nack with
			// requeue; it is never surfaced to the consumer.
			s.scheduleRetryOrDead(q, name, m, true)
		}
	}
}

// RecoverQueues rebuilds in-memory queue state from persistence after a
// restart. Messages that expired while the process was down are
// dead-lettered or dropped; messages staged by an uncommitted
// transaction are discarded.
func (s *Store) RecoverQueues() error {
	type expiredSet struct {
		name string
		msgs []*domain.Message
		disk bool
	}
	var allExpired []expiredSet

	now := time.Now()
	for _, name := range s.engine.ListPersistedQueues() {
		cfg, stats, err := s.engine.LoadQueue(name)
		if err != nil {
			logging.Op().Warn("queue recovery skipped", "queue", name, "error", err)
			continue
		}
		cfg.Normalize()

		q := newQueue(cfg)
		q.stats = stats
		q.stats.PendingCount, q.stats.PendingBytes, q.stats.InflightCount = 0, 0, 0

		msgs, err := s.engine.LoadAllMessages(name)
		if err != nil {
			logging.Op().Warn("message recovery failed", "queue", name, "error", err)
		}

		var expired []*domain.Message
		q.mu.Lock()
		for _, m := range msgs {
			if committed, ok := m.Property(domain.PropTxnCommitted); ok && committed == "false" {
				// Phase-one residue of a transaction that never
				// committed; atomicity requires it never surfaces.
				_ = s.engine.DeleteMessage(name, m.Header.ID)
				continue
			}
			if cur := uint64(m.Header.ID); cur > s.nextID.Load() {
				s.nextID.Store(cur)
			}
			if m.Expired(now) {
				q.stats.TotalExpired++
				expired = append(expired, m)
				continue
			}
			q.enqueueRetryLocked(m)
		}
		q.mu.Unlock()

		s.mu.Lock()
		s.queues[name] = q
		s.mu.Unlock()

		if len(expired) > 0 {
			allExpired = append(allExpired, expiredSet{name: name, msgs: expired, disk: cfg.Persistence == domain.DiskPersistent})
		}
		logging.Op().Info("queue recovered",
			"queue", name, "messages", q.pending.len(), "expired", len(expired))
	}

	// Dead-letter routing runs after every queue is registered, so a
	// DLQ recovered later than its source still receives the messages.
	for _, set := range allExpired {
		s.disposeExpired(set.name, set.msgs, set.disk)
	}
	return nil
}
