package pool

import (
	"sync"
	"unsafe"
)

// arena is a fixed-block allocator over a single contiguous slice.
// Requests larger than the block size fall back to the system allocator;
// Free recognizes them by the absence of an outstanding-block entry.
type arena struct {
	mu         sync.Mutex
	data       []byte
	blockSize  int
	freeBlocks []int          // indices of free blocks, LIFO
	used       []bool         // per-block used flag
	live       map[*byte]int  // backing pointer of outstanding allocation -> block index
}

func newArena(size, blockSize int) *arena {
	blocks := size / blockSize
	if blocks < 1 {
		blocks = 1
	}
	a := &arena{
		data:      make([]byte, blocks*blockSize),
		blockSize: blockSize,
		used:      make([]bool, blocks),
		live:      make(map[*byte]int, blocks),
	}
	a.freeBlocks = make([]int, blocks)
	for i := range a.freeBlocks {
		// LIFO pop order walks the arena front to back
		a.freeBlocks[i] = blocks - 1 - i
	}
	return a
}

// alloc returns a zeroed slice of the requested size. Requests that fit
// in a block come from the arena; larger ones, and any request made while
// the arena is exhausted, come from the system allocator. Returns nil only
// for a size of zero or less.
func (a *arena) alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > a.blockSize {
		return make([]byte, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.freeBlocks) == 0 {
		// Arena full: fall back rather than failing the send.
		return make([]byte, size)
	}
	idx := a.freeBlocks[len(a.freeBlocks)-1]
	a.freeBlocks = a.freeBlocks[:len(a.freeBlocks)-1]
	a.used[idx] = true
	buf := a.data[idx*a.blockSize : idx*a.blockSize+size : (idx+1)*a.blockSize]
	clear(buf)
	a.live[unsafe.SliceData(buf)] = idx
	return buf
}

// free returns a buffer to the arena. Buffers that did not come from the
// arena (oversized or fallback allocations) are left to the GC.
func (a *arena) free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := unsafe.SliceData(buf)
	idx, ok := a.live[key]
	if !ok {
		return
	}
	delete(a.live, key)
	a.used[idx] = false
	a.freeBlocks = append(a.freeBlocks, idx)
}

// compact coalesces the free list back into ascending pop order so that
// long-lived pools keep touching the same pages.
func (a *arena) compact() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeBlocks = a.freeBlocks[:0]
	for i := len(a.used) - 1; i >= 0; i-- {
		if !a.used[i] {
			a.freeBlocks = append(a.freeBlocks, i)
		}
	}
}

// utilization returns used blocks over total blocks in [0,1].
func (a *arena) utilization() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := len(a.used)
	if total == 0 {
		return 0
	}
	return float64(total-len(a.freeBlocks)) / float64(total)
}

func (a *arena) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = nil
	a.freeBlocks = nil
	a.used = nil
	a.live = nil
}

// AllocateFromPool carves a buffer from the arena (or the system
// allocator for oversized requests). With the memory pool disabled it is
// a plain allocation.
func (s *Substrate) AllocateFromPool(size int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}
	if size < 0 {
		return nil, ErrOutOfMemory
	}
	s.stats.PoolAllocs.Add(1)
	if s.arena == nil {
		return make([]byte, size), nil
	}
	buf := s.arena.alloc(size)
	if buf == nil && size > 0 {
		return nil, ErrOutOfMemory
	}
	return buf, nil
}

// DeallocateToPool returns a buffer obtained from AllocateFromPool.
func (s *Substrate) DeallocateToPool(buf []byte) {
	if s.arena == nil || s.closed.Load() {
		return
	}
	s.stats.PoolFrees.Add(1)
	s.arena.free(buf)
}

// CompactPool coalesces the arena free list.
func (s *Substrate) CompactPool() {
	if s.arena != nil && !s.closed.Load() {
		s.arena.compact()
	}
}

// PoolUtilization reports the fraction of arena blocks in use.
func (s *Substrate) PoolUtilization() float64 {
	if s.arena == nil {
		return 0
	}
	return s.arena.utilization()
}
