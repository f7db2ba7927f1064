package pool

import (
	"time"

	"github.com/oriys/quasar/internal/domain"
)

// BatchID identifies a batch within one substrate.
type BatchID uint32

// BatchState tracks batch finalization.
type BatchState uint32

const (
	BatchOpen BatchState = iota
	BatchCommitted
	BatchAborted
)

func (s BatchState) String() string {
	switch s {
	case BatchOpen:
		return "open"
	case BatchCommitted:
		return "committed"
	case BatchAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Batch is a client-assembled group of messages committed atomically to
// one queue. Immutable once finalized.
type Batch struct {
	ID        BatchID
	Queue     string
	CreatedAt time.Time
	Messages  []*domain.Message
	State     BatchState
}

// BatchInfo is the read-only snapshot returned to callers.
type BatchInfo struct {
	ID        BatchID    `json:"id"`
	Queue     string     `json:"queue"`
	CreatedAt time.Time  `json:"created_at"`
	Size      int        `json:"size"`
	State     BatchState `json:"state"`
}

// CommitResult carries the messages of a freshly committed batch to the
// caller for enqueueing. Replayed is set when the batch was already
// committed; idempotent recommits succeed without messages.
type CommitResult struct {
	Queue    string
	Messages []*domain.Message
	Replayed bool
}

// CreateBatch opens a batch, optionally bound to a queue.
func (s *Substrate) CreateBatch(queue string) (BatchID, error) {
	if s.closed.Load() {
		return 0, ErrShutdown
	}
	id := BatchID(s.nextBatchID.Add(1))
	s.batchMu.Lock()
	s.activeBatches[id] = &Batch{
		ID:        id,
		Queue:     queue,
		CreatedAt: time.Now(),
		State:     BatchOpen,
	}
	s.batchMu.Unlock()
	s.stats.BatchesOpened.Add(1)
	return id, nil
}

// AddToBatch appends a message to an open batch, preserving insertion
// order.
func (s *Substrate) AddToBatch(id BatchID, m *domain.Message) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	b, ok := s.activeBatches[id]
	if !ok {
		if _, done := s.finalizedBatches[id]; done {
			return ErrBatchFinalized
		}
		return ErrBatchNotFound
	}
	b.Messages = append(b.Messages, m)
	return nil
}

// CommitBatch finalizes a batch and hands its messages back for
// enqueueing. Re-committing a committed batch returns a replayed result;
// committing an aborted batch fails.
func (s *Substrate) CommitBatch(id BatchID) (*CommitResult, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if st, done := s.finalizedBatches[id]; done {
		if st == BatchCommitted {
			return &CommitResult{Replayed: true}, nil
		}
		return nil, ErrBatchFinalized
	}
	b, ok := s.activeBatches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	delete(s.activeBatches, id)
	b.State = BatchCommitted
	s.finalizedBatches[id] = BatchCommitted
	s.stats.BatchesCommitted.Add(1)
	return &CommitResult{Queue: b.Queue, Messages: b.Messages}, nil
}

// AbortBatch discards a batch. Re-aborting an aborted batch succeeds
// idempotently; aborting a committed batch fails.
func (s *Substrate) AbortBatch(id BatchID) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if st, done := s.finalizedBatches[id]; done {
		if st == BatchAborted {
			return nil
		}
		return ErrBatchFinalized
	}
	b, ok := s.activeBatches[id]
	if !ok {
		return ErrBatchNotFound
	}
	delete(s.activeBatches, id)
	for _, m := range b.Messages {
		m.ReleaseRef()
	}
	b.Messages = nil
	b.State = BatchAborted
	s.finalizedBatches[id] = BatchAborted
	s.stats.BatchesAborted.Add(1)
	return nil
}

// ResetBatch empties a batch and restores it to the open state. A
// finalized batch is reopened; its finalization record is cleared so a
// later commit applies again.
func (s *Substrate) ResetBatch(id BatchID, queue string) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if b, ok := s.activeBatches[id]; ok {
		for _, m := range b.Messages {
			m.ReleaseRef()
		}
		b.Messages = nil
		b.CreatedAt = time.Now()
		if queue != "" {
			b.Queue = queue
		}
		return nil
	}
	if _, done := s.finalizedBatches[id]; done {
		delete(s.finalizedBatches, id)
		s.activeBatches[id] = &Batch{
			ID:        id,
			Queue:     queue,
			CreatedAt: time.Now(),
			State:     BatchOpen,
		}
		return nil
	}
	return ErrBatchNotFound
}

// GetBatchInfo snapshots a batch, active or finalized.
func (s *Substrate) GetBatchInfo(id BatchID) (BatchInfo, error) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if b, ok := s.activeBatches[id]; ok {
		return BatchInfo{ID: b.ID, Queue: b.Queue, CreatedAt: b.CreatedAt, Size: len(b.Messages), State: b.State}, nil
	}
	if st, done := s.finalizedBatches[id]; done {
		return BatchInfo{ID: id, State: st}, nil
	}
	return BatchInfo{}, ErrBatchNotFound
}
