package pool

import (
	"bytes"
	"errors"
	"testing"

	"github.com/oriys/quasar/internal/domain"
)

func newTestSubstrate(t *testing.T) *Substrate {
	t.Helper()
	s := New(Config{
		MemoryPoolSize:     64 * 1024,
		BlockSize:          1024,
		MessagePoolSize:    4,
		MessagePoolMaxSize: 32,
		EnableMemoryPool:   true,
	})
	t.Cleanup(s.Shutdown)
	return s
}

func TestArenaAllocFree(t *testing.T) {
	s := newTestSubstrate(t)

	buf, err := s.AllocateFromPool(512)
	if err != nil {
		t.Fatalf("AllocateFromPool failed: %v", err)
	}
	if len(buf) != 512 {
		t.Fatalf("expected 512 bytes, got %d", len(buf))
	}
	copy(buf, []byte("hello"))
	s.DeallocateToPool(buf)

	// The freed block is reusable.
	buf2, err := s.AllocateFromPool(1024)
	if err != nil {
		t.Fatalf("AllocateFromPool after free failed: %v", err)
	}
	// A fresh allocation is zeroed even when it reuses a dirty block.
	if !bytes.Equal(buf2[:5], make([]byte, 5)) {
		t.Fatalf("reused block not zeroed: %q", buf2[:5])
	}
}

func TestArenaOversizedFallsBack(t *testing.T) {
	s := newTestSubstrate(t)

	buf, err := s.AllocateFromPool(10 * 1024)
	if err != nil {
		t.Fatalf("oversized alloc failed: %v", err)
	}
	if len(buf) != 10*1024 {
		t.Fatalf("expected 10KiB, got %d", len(buf))
	}
	// Freeing a fallback allocation is a no-op, not a crash.
	s.DeallocateToPool(buf)
}

func TestMessagePoolReuse(t *testing.T) {
	s := newTestSubstrate(t)

	m, err := s.CreateMessage(domain.MessageTypeText, []byte("a"))
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	m.Header.ID = 42
	s.RecycleMessage(m)

	m2, err := s.CreateMessage(domain.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("CreateMessage after recycle failed: %v", err)
	}
	if m2.Header.ID != 0 {
		t.Fatalf("recycled message not reset: id=%d", m2.Header.ID)
	}
	if got := s.GetStats().PoolHits; got == 0 {
		t.Fatalf("expected at least one pool hit, got %d", got)
	}
}

func TestMessagePoolRetentionCap(t *testing.T) {
	s := New(Config{MessagePoolMaxSize: 2})
	defer s.Shutdown()

	var msgs []*domain.Message
	for i := 0; i < 4; i++ {
		m, err := s.CreateMessage(domain.MessageTypeText, nil)
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		msgs = append(msgs, m)
	}
	for _, m := range msgs {
		s.RecycleMessage(m)
	}
	// Only MessagePoolMaxSize objects are retained for reuse.
	if n := len(s.msgPool); n != 2 {
		t.Fatalf("expected pool retention of 2, got %d", n)
	}
	if live := s.GetStats().MessagesLive; live != 0 {
		t.Fatalf("expected 0 live messages after recycling, got %d", live)
	}
}

func TestZeroCopyRefCount(t *testing.T) {
	s := newTestSubstrate(t)

	buf, err := s.CreateZeroCopyBuffer([]byte("payload"), false)
	if err != nil {
		t.Fatalf("CreateZeroCopyBuffer failed: %v", err)
	}
	if string(buf.Bytes()) != "payload" {
		t.Fatalf("unexpected bytes: %q", buf.Bytes())
	}

	buf.Retain()
	if buf.RefCount() != 2 {
		t.Fatalf("expected refcount 2, got %d", buf.RefCount())
	}
	buf.Release()
	if buf.Bytes() == nil {
		t.Fatal("buffer released while a reference remained")
	}
	buf.Release()
	if buf.Bytes() != nil {
		t.Fatal("buffer still alive after last release")
	}
	if live := s.GetStats().ZeroCopyLive; live != 0 {
		t.Fatalf("expected 0 live buffers, got %d", live)
	}
}

func TestBatchCommitOrderAndIdempotency(t *testing.T) {
	s := newTestSubstrate(t)

	id, err := s.CreateBatch("q")
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		m, _ := s.CreateMessage(domain.MessageTypeText, []byte{byte('a' + i)})
		if err := s.AddToBatch(id, m); err != nil {
			t.Fatalf("AddToBatch failed: %v", err)
		}
	}

	res, err := s.CommitBatch(id)
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}
	if res.Queue != "q" || len(res.Messages) != 3 {
		t.Fatalf("unexpected commit result: queue=%q n=%d", res.Queue, len(res.Messages))
	}
	for i, m := range res.Messages {
		if m.Payload[0] != byte('a'+i) {
			t.Fatalf("insertion order violated at %d: %q", i, m.Payload)
		}
	}

	// Idempotent recommit: success, no messages.
	res2, err := s.CommitBatch(id)
	if err != nil {
		t.Fatalf("recommit failed: %v", err)
	}
	if !res2.Replayed || len(res2.Messages) != 0 {
		t.Fatalf("expected replayed empty result, got %+v", res2)
	}

	// Aborting a committed batch fails.
	if err := s.AbortBatch(id); !errors.Is(err, ErrBatchFinalized) {
		t.Fatalf("expected ErrBatchFinalized, got %v", err)
	}
}

func TestBatchAbortIdempotency(t *testing.T) {
	s := newTestSubstrate(t)

	id, _ := s.CreateBatch("")
	if err := s.AbortBatch(id); err != nil {
		t.Fatalf("abort failed: %v", err)
	}
	if err := s.AbortBatch(id); err != nil {
		t.Fatalf("re-abort should be idempotent, got %v", err)
	}
	if _, err := s.CommitBatch(id); !errors.Is(err, ErrBatchFinalized) {
		t.Fatalf("committing an aborted batch should fail, got %v", err)
	}
}

func TestBatchReset(t *testing.T) {
	s := newTestSubstrate(t)

	id, _ := s.CreateBatch("q1")
	m, _ := s.CreateMessage(domain.MessageTypeText, []byte("x"))
	_ = s.AddToBatch(id, m)
	if _, err := s.CommitBatch(id); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// Reset reopens a finalized batch with a fresh message list.
	if err := s.ResetBatch(id, "q2"); err != nil {
		t.Fatalf("ResetBatch failed: %v", err)
	}
	info, err := s.GetBatchInfo(id)
	if err != nil {
		t.Fatalf("GetBatchInfo failed: %v", err)
	}
	if info.State != BatchOpen || info.Size != 0 || info.Queue != "q2" {
		t.Fatalf("unexpected info after reset: %+v", info)
	}
}

func TestBatchUnknownID(t *testing.T) {
	s := newTestSubstrate(t)
	if err := s.AddToBatch(999, &domain.Message{}); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
}
