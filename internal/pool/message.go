package pool

import (
	"github.com/oriys/quasar/internal/domain"
)

// CreateMessage returns a reset message, reusing a pooled object when
// one is available and allocating otherwise. Hosts that recycle their
// consumed messages keep allocation off the steady-state hot path.
func (s *Substrate) CreateMessage(t domain.MessageType, payload []byte) (*domain.Message, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}
	s.stats.MessagesLive.Add(1)

	s.msgMu.Lock()
	var m *domain.Message
	if n := len(s.msgPool); n > 0 {
		m = s.msgPool[n-1]
		s.msgPool = s.msgPool[:n-1]
	}
	s.msgMu.Unlock()

	if m != nil {
		s.stats.PoolHits.Add(1)
	} else {
		s.stats.PoolMisses.Add(1)
		m = &domain.Message{}
	}
	s.stats.MessagesCreated.Add(1)

	m.Reset()
	m.Header = domain.MessageHeader{
		Type:     t,
		Priority: domain.PriorityNormal,
		Delivery: domain.AtLeastOnce,
	}
	m.Payload = payload
	return m, nil
}

// RecycleMessage returns a message to the pool. Past MessagePoolMaxSize
// pooled objects the message is dropped for the GC instead.
func (s *Substrate) RecycleMessage(m *domain.Message) {
	if m == nil {
		return
	}
	m.Reset()
	s.stats.MessagesLive.Add(-1)
	s.stats.MessagesRecycled.Add(1)
	if s.closed.Load() {
		return
	}
	s.msgMu.Lock()
	if len(s.msgPool) < s.cfg.MessagePoolMaxSize {
		s.msgPool = append(s.msgPool, m)
	}
	s.msgMu.Unlock()
}
