package queuestore

import (
	"container/heap"

	"github.com/oriys/quasar/internal/domain"
)

// pendingSeq is the ordered set of deliverable messages. The standard
// implementation is a plain FIFO; priority queues use a heap ordered by
// (priority desc, id asc) so ties preserve insertion order.
type pendingSeq interface {
	push(m *domain.Message)
	pop() *domain.Message
	peek() *domain.Message
	remove(id domain.MessageID) *domain.Message
	contains(id domain.MessageID) bool
	drain() []*domain.Message
	len() int
}

func newPendingSeq(t domain.QueueType) pendingSeq {
	if t == domain.QueuePriority {
		return &priorityseq{}
	}
	return &fifoseq{}
}

// fifoseq delivers in arrival order. Removal by id is rare (purge,
// targeted expiry) and pays a linear scan.
type fifoseq struct {
	items []*domain.Message
}

func (s *fifoseq) push(m *domain.Message) { s.items = append(s.items, m) }

func (s *fifoseq) pop() *domain.Message {
	if len(s.items) == 0 {
		return nil
	}
	m := s.items[0]
	s.items[0] = nil
	s.items = s.items[1:]
	return m
}

func (s *fifoseq) peek() *domain.Message {
	if len(s.items) == 0 {
		return nil
	}
	return s.items[0]
}

func (s *fifoseq) remove(id domain.MessageID) *domain.Message {
	for i, m := range s.items {
		if m.Header.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return m
		}
	}
	return nil
}

func (s *fifoseq) contains(id domain.MessageID) bool {
	for _, m := range s.items {
		if m.Header.ID == id {
			return true
		}
	}
	return false
}

func (s *fifoseq) drain() []*domain.Message {
	out := s.items
	s.items = nil
	return out
}

func (s *fifoseq) len() int { return len(s.items) }

// priorityseq wraps a container/heap ordered by priority then id.
type priorityseq struct {
	h msgHeap
}

func (s *priorityseq) push(m *domain.Message) { heap.Push(&s.h, m) }

func (s *priorityseq) pop() *domain.Message {
	if s.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.h).(*domain.Message)
}

func (s *priorityseq) peek() *domain.Message {
	if s.h.Len() == 0 {
		return nil
	}
	return s.h[0]
}

func (s *priorityseq) remove(id domain.MessageID) *domain.Message {
	for i, m := range s.h {
		if m.Header.ID == id {
			heap.Remove(&s.h, i)
			return m
		}
	}
	return nil
}

func (s *priorityseq) contains(id domain.MessageID) bool {
	for _, m := range s.h {
		if m.Header.ID == id {
			return true
		}
	}
	return false
}

func (s *priorityseq) drain() []*domain.Message {
	out := make([]*domain.Message, 0, s.h.Len())
	for s.h.Len() > 0 {
		out = append(out, heap.Pop(&s.h).(*domain.Message))
	}
	return out
}

func (s *priorityseq) len() int { return s.h.Len() }

type msgHeap []*domain.Message

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].Header.Priority != h[j].Header.Priority {
		return h[i].Header.Priority > h[j].Header.Priority
	}
	return h[i].Header.ID < h[j].Header.ID
}

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*domain.Message)) }

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}
