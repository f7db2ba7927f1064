package txn

import (
	"errors"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/persist"
	"github.com/oriys/quasar/internal/queuestore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *queuestore.Store) {
	t.Helper()
	engine := persist.NewEngine(persist.Config{DataDir: t.TempDir(), SyncWrites: true})
	if err := engine.Initialize(); err != nil {
		t.Fatal(err)
	}
	store := queuestore.New(engine, metrics.New(), 10*time.Millisecond)
	store.Start()
	t.Cleanup(func() {
		store.Stop()
		engine.Shutdown()
	})
	return NewCoordinator(store, engine), store
}

func msg(payload string) *domain.Message {
	return domain.NewMessage(domain.MessageTypeText, []byte(payload))
}

func TestCommitAppliesInOrder(t *testing.T) {
	c, store := newTestCoordinator(t)
	if err := store.CreateQueue(domain.QueueConfig{Name: "q", Persistence: domain.DiskPersistent}); err != nil {
		t.Fatal(err)
	}

	tx := c.Begin("order", time.Minute)
	_ = c.Send(tx, "q", msg("t1"))
	_ = c.Send(tx, "q", msg("t2"))
	if err := c.Commit(tx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	for _, want := range []string{"t1", "t2"} {
		m, err := store.Receive("q", time.Second, "c1")
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if string(m.Payload) != want {
			t.Fatalf("commit order broken: got %q want %q", m.Payload, want)
		}
		if committed, _ := m.Property(domain.PropTxnCommitted); committed != "true" {
			t.Fatalf("delivered message not marked committed: %q", committed)
		}
		_ = store.Ack("q", m.Header.ID)
	}
}

func TestRollbackLeavesQueueUntouched(t *testing.T) {
	c, store := newTestCoordinator(t)
	if err := store.CreateQueue(domain.QueueConfig{Name: "q4"}); err != nil {
		t.Fatal(err)
	}

	tx := c.Begin("discard", time.Minute)
	_ = c.Send(tx, "q4", msg("t1"))
	_ = c.Send(tx, "q4", msg("t2"))
	if err := c.Rollback(tx, "caller changed its mind"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if _, err := store.Receive("q4", 80*time.Millisecond, "c1"); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("rolled-back send was delivered: %v", err)
	}
	if got := c.GetStats().RolledBack; got != 1 {
		t.Fatalf("expected 1 rollback, got %d", got)
	}
}

func TestCommitWithAck(t *testing.T) {
	c, store := newTestCoordinator(t)
	if err := store.CreateQueue(domain.QueueConfig{Name: "q"}); err != nil {
		t.Fatal(err)
	}

	id, err := store.Send("q", msg("consume-me"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := store.Receive("q", time.Second, "c1")
	if err != nil || m.Header.ID != id {
		t.Fatalf("setup receive failed: %v", err)
	}

	tx := c.Begin("ack+send", time.Minute)
	_ = c.Ack(tx, "q", id)
	_ = c.Send(tx, "q", msg("replacement"))
	if err := c.Commit(tx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// The ack landed: re-acking reports the message gone.
	if err := store.Ack("q", id); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("ack not applied in commit: %v", err)
	}
	got, err := store.Receive("q", time.Second, "c1")
	if err != nil || string(got.Payload) != "replacement" {
		t.Fatalf("send not applied in commit: %v %q", err, got.Payload)
	}
}

func TestCommitUnknownQueueRollsBack(t *testing.T) {
	c, store := newTestCoordinator(t)
	if err := store.CreateQueue(domain.QueueConfig{Name: "real"}); err != nil {
		t.Fatal(err)
	}

	tx := c.Begin("mixed", time.Minute)
	_ = c.Send(tx, "real", msg("good"))
	_ = c.Send(tx, "ghost", msg("bad"))
	if err := c.Commit(tx); err == nil {
		t.Fatal("commit against unknown queue should fail")
	}

	// Atomicity: the good send must not have landed either.
	if _, err := store.Receive("real", 80*time.Millisecond, "c1"); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("partial transaction visible: %v", err)
	}
}

func TestTransactionTimeout(t *testing.T) {
	c, _ := newTestCoordinator(t)

	tx := c.Begin("slow", 30*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	if err := c.Send(tx, "q", msg("late")); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound after expiry, got %v", err)
	}
	if got := c.GetStats().TimedOut; got != 1 {
		t.Fatalf("expected 1 timeout, got %d", got)
	}
}

func TestOperationsOnUnknownTransaction(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.Send("nope", "q", msg("x")); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
	if err := c.Commit("nope"); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}
