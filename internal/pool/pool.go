// Package pool is the performance substrate: it amortizes allocation on
// the send and delivery hot paths with a fixed-block memory arena, a
// message object pool, reference-counted zero-copy buffers, and batch
// aggregation.
//
// # Design rationale
//
// Every message send allocates a header, a payload buffer, and queue
// bookkeeping. Under sustained load that churn dominates GC time, so the
// substrate reuses message objects and carves payload buffers out of a
// single arena instead of allocating per send.
//
// # Concurrency model
//
// Three independent mutexes guard the three independent structures: the
// arena free list, the message object pool, and the batch table (the
// finalized-batch set is part of the batch table's critical section).
// Keeping them separate means a large batch commit never stalls payload
// allocation on another goroutine.
//
// # Invariants
//
//   - A block index is in freeBlocks if and only if its used flag is false.
//   - len(msgPool) never exceeds cfg.MessagePoolMaxSize.
//   - A batch id is in either activeBatches or finalizedBatches, never both.
//   - A zero-copy buffer's region is returned to the arena exactly once,
//     when its reference count reaches zero.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oriys/quasar/internal/domain"
)

// Defaults applied by Config.normalize.
const (
	DefaultMemoryPoolSize     = 64 * 1024 * 1024
	DefaultBlockSize          = 4096
	DefaultMessagePoolSize    = 1024
	DefaultMessagePoolMaxSize = 100000
	DefaultZeroCopyThreshold  = 1024
)

// Sentinel errors surfaced to the facade, which maps them onto the
// public result codes.
var (
	ErrOutOfMemory    = errors.New("pool: arena exhausted")
	ErrBatchNotFound  = errors.New("pool: batch not found")
	ErrBatchFinalized = errors.New("pool: batch already finalized")
	ErrShutdown       = errors.New("pool: substrate shut down")
)

// Config sizes the substrate.
type Config struct {
	MemoryPoolSize     int  `json:"memory_pool_size" yaml:"memory_pool_size"`
	BlockSize          int  `json:"block_size" yaml:"block_size"`
	MessagePoolSize    int  `json:"message_pool_size" yaml:"message_pool_size"`         // preallocated messages
	MessagePoolMaxSize int  `json:"message_pool_max_size" yaml:"message_pool_max_size"` // recycle retention cap
	ZeroCopyThreshold  int  `json:"zero_copy_threshold" yaml:"zero_copy_threshold"`
	EnableMemoryPool   bool `json:"enable_memory_pool" yaml:"enable_memory_pool"`
}

func (c *Config) normalize() {
	if c.MemoryPoolSize <= 0 {
		c.MemoryPoolSize = DefaultMemoryPoolSize
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MessagePoolSize < 0 {
		c.MessagePoolSize = DefaultMessagePoolSize
	}
	if c.MessagePoolMaxSize <= 0 {
		c.MessagePoolMaxSize = DefaultMessagePoolMaxSize
	}
	if c.ZeroCopyThreshold <= 0 {
		c.ZeroCopyThreshold = DefaultZeroCopyThreshold
	}
}

// Substrate owns the arena, the message pool, and the batch table.
type Substrate struct {
	cfg Config

	arena *arena

	msgMu   sync.Mutex
	msgPool []*domain.Message

	batchMu          sync.Mutex
	activeBatches    map[BatchID]*Batch
	finalizedBatches map[BatchID]BatchState
	nextBatchID      atomic.Uint32

	closed atomic.Bool

	stats Stats
}

// New builds a substrate. The arena is allocated eagerly so that a
// misconfigured pool size fails at startup rather than mid-traffic.
func New(cfg Config) *Substrate {
	cfg.normalize()
	s := &Substrate{
		cfg:              cfg,
		activeBatches:    make(map[BatchID]*Batch),
		finalizedBatches: make(map[BatchID]BatchState),
	}
	if cfg.EnableMemoryPool {
		s.arena = newArena(cfg.MemoryPoolSize, cfg.BlockSize)
	}
	for i := 0; i < cfg.MessagePoolSize; i++ {
		s.msgPool = append(s.msgPool, &domain.Message{})
	}
	return s
}

// Shutdown releases the arena and drops pooled objects. Idempotent.
func (s *Substrate) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.msgMu.Lock()
	s.msgPool = nil
	s.msgMu.Unlock()
	s.batchMu.Lock()
	s.activeBatches = map[BatchID]*Batch{}
	s.finalizedBatches = map[BatchID]BatchState{}
	s.batchMu.Unlock()
	if s.arena != nil {
		s.arena.release()
	}
}

// ZeroCopyThreshold reports the payload size at which callers should
// prefer the zero-copy path.
func (s *Substrate) ZeroCopyThreshold() int {
	return s.cfg.ZeroCopyThreshold
}
