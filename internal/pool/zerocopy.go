package pool

import (
	"sync/atomic"
)

// ZeroCopyBuffer is a shared read-only view of a contiguous byte range.
// The creator holds the first reference; every message constructed from
// the buffer retains one more. When the last owner releases, a
// pool-backed region goes back to the arena.
type ZeroCopyBuffer struct {
	data   []byte
	refs   atomic.Int32
	sub    *Substrate
	pooled bool // region came from the arena and must be returned
}

// CreateZeroCopyBuffer wraps data in a shared buffer. When takeOwnership
// is set the substrate retains the caller's bytes directly; otherwise it
// copies them into a pool-backed region once, after which all consumers
// share that single copy.
func (s *Substrate) CreateZeroCopyBuffer(data []byte, takeOwnership bool) (*ZeroCopyBuffer, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}
	buf := &ZeroCopyBuffer{sub: s}
	if takeOwnership {
		buf.data = data
	} else {
		region, err := s.AllocateFromPool(len(data))
		if err != nil {
			return nil, err
		}
		copy(region, data)
		buf.data = region
		buf.pooled = true
	}
	buf.refs.Store(1)
	s.stats.ZeroCopyLive.Add(1)
	s.stats.ZeroCopyCreated.Add(1)
	return buf, nil
}

// Bytes returns the shared view. Callers must not mutate it.
func (b *ZeroCopyBuffer) Bytes() []byte {
	return b.data
}

// Len returns the view length.
func (b *ZeroCopyBuffer) Len() int {
	return len(b.data)
}

// Retain adds an owner.
func (b *ZeroCopyBuffer) Retain() {
	b.refs.Add(1)
}

// Release drops an owner. The last release returns pool-backed regions
// to the arena and invalidates the view.
func (b *ZeroCopyBuffer) Release() {
	if b.refs.Add(-1) != 0 {
		return
	}
	b.sub.stats.ZeroCopyLive.Add(-1)
	if b.pooled {
		b.sub.DeallocateToPool(b.data)
	}
	b.data = nil
}

// RefCount reports the current number of owners.
func (b *ZeroCopyBuffer) RefCount() int32 {
	return b.refs.Load()
}
