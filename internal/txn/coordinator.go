// Package txn coordinates atomic groups of send and ack operations
// across queues.
//
// # Commit protocol
//
// Commit is a two-phase apply. Phase one persists every buffered send
// with a transaction marker (x-txn-committed=false) so that a crash
// mid-commit leaves only discardable residue: recovery drops marked
// records instead of delivering half a transaction. Phase two flips the
// marker, injects the messages into their queues, and applies the
// buffered acks. Any failure triggers cleanup of everything applied so
// far and reports rollback.
//
// # Timeouts
//
// Each transaction arms a timer at begin; expiry rolls the transaction
// back with state TIMED_OUT. The timer fires on its own goroutine and
// takes the coordinator lock, so explicit commit/rollback and expiry
// serialize cleanly.
package txn

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/persist"
	"github.com/oriys/quasar/internal/queuestore"
)

// State is the transaction lifecycle state.
type State uint32

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// DefaultTimeout applies when Begin is called with a zero timeout.
const DefaultTimeout = 30 * time.Second

type opKind uint8

const (
	opSend opKind = iota
	opAck
	opNack
)

type bufferedOp struct {
	kind  opKind
	queue string
	msg   *domain.Message  // opSend
	id    domain.MessageID // opAck / opNack
}

// Transaction is one coordinator-managed operation group.
type Transaction struct {
	ID          string
	Description string
	CreatedAt   time.Time
	Timeout     time.Duration
	state       State
	ops         []bufferedOp
	timer       *time.Timer
}

// Stats are the aggregate transaction counters.
type Stats struct {
	Begun      int64 `json:"begun"`
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	TimedOut   int64 `json:"timed_out"`
}

// Coordinator owns the transaction table and applies commits against
// the queue store and persistence engine.
type Coordinator struct {
	mu    sync.Mutex
	txns  map[string]*Transaction
	store *queuestore.Store
	eng   *persist.Engine

	begun      atomic.Int64
	committed  atomic.Int64
	rolledBack atomic.Int64
	timedOut   atomic.Int64
}

// NewCoordinator builds a coordinator over the given store and engine.
func NewCoordinator(store *queuestore.Store, eng *persist.Engine) *Coordinator {
	return &Coordinator{
		txns:  make(map[string]*Transaction),
		store: store,
		eng:   eng,
	}
}

// Begin opens a transaction and arms its expiry timer.
func (c *Coordinator) Begin(description string, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tx := &Transaction{
		ID:          uuid.NewString(),
		Description: description,
		CreatedAt:   time.Now(),
		Timeout:     timeout,
		state:       StateActive,
	}
	tx.timer = time.AfterFunc(timeout, func() { c.expire(tx.ID) })

	c.mu.Lock()
	c.txns[tx.ID] = tx
	c.mu.Unlock()
	c.begun.Add(1)
	logging.Op().Debug("transaction begun", "txn", tx.ID, "timeout", timeout)
	return tx.ID
}

func (c *Coordinator) activeLocked(id string) (*Transaction, error) {
	tx, ok := c.txns[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	switch tx.state {
	case StateActive:
		return tx, nil
	case StateTimedOut:
		return nil, domain.ErrTransactionTimeout
	default:
		return nil, fmt.Errorf("%w: transaction is %s", domain.ErrInvalidState, tx.state)
	}
}

// Send buffers an enqueue. Queue state is untouched until commit.
func (c *Coordinator) Send(txID, queue string, m *domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.activeLocked(txID)
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, bufferedOp{kind: opSend, queue: queue, msg: m})
	return nil
}

// Ack buffers an acknowledge.
func (c *Coordinator) Ack(txID, queue string, id domain.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.activeLocked(txID)
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, bufferedOp{kind: opAck, queue: queue, id: id})
	return nil
}

// Nack buffers a negative acknowledge.
func (c *Coordinator) Nack(txID, queue string, id domain.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.activeLocked(txID)
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, bufferedOp{kind: opNack, queue: queue, id: id})
	return nil
}

// Commit applies the buffered operations atomically, in insertion
// order. On any failure everything applied so far is undone and the
// transaction reports rollback.
func (c *Coordinator) Commit(txID string) error {
	c.mu.Lock()
	tx, err := c.activeLocked(txID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	tx.state = StateCommitting
	tx.timer.Stop()
	ops := tx.ops
	c.mu.Unlock()

	diskQueue := make(map[string]bool)
	queueOf := func(name string) (bool, error) {
		if disk, ok := diskQueue[name]; ok {
			return disk, nil
		}
		info, err := c.store.GetInfo(name)
		if err != nil {
			return false, err
		}
		disk := info.Config.Persistence == domain.DiskPersistent
		diskQueue[name] = disk
		return disk, nil
	}

	// Phase one: stage every send with the uncommitted marker.
	type stagedSend struct {
		op   bufferedOp
		disk bool
	}
	var staged []stagedSend
	fail := func(applyErr error) error {
		for _, st := range staged {
			if st.disk {
				_ = c.eng.DeleteMessage(st.op.queue, st.op.msg.Header.ID)
			}
		}
		c.finish(tx, StateRolledBack)
		logging.Op().Warn("transaction commit failed, rolled back", "txn", txID, "error", applyErr)
		return applyErr
	}

	for _, op := range ops {
		if op.kind != opSend {
			continue
		}
		disk, err := queueOf(op.queue)
		if err != nil {
			return fail(err)
		}
		op.msg.Header.ID = c.store.NextID()
		op.msg.SetProperty(domain.PropTxnID, txID)
		op.msg.SetProperty(domain.PropTxnCommitted, "false")
		if disk {
			if err := c.eng.SaveMessage(op.queue, op.msg); err != nil {
				return fail(err)
			}
		}
		staged = append(staged, stagedSend{op: op, disk: disk})
	}

	// Phase two: flip the markers, inject sends, then apply acks.
	var injected []stagedSend
	failPhaseTwo := func(applyErr error) error {
		for _, st := range injected {
			_ = c.store.RemovePending(st.op.queue, st.op.msg.Header.ID)
		}
		for _, st := range staged {
			if st.disk {
				_ = c.eng.DeleteMessage(st.op.queue, st.op.msg.Header.ID)
			}
		}
		c.finish(tx, StateRolledBack)
		logging.Op().Error("transaction apply failed after staging, rolled back", "txn", txID, "error", applyErr)
		return fmt.Errorf("%w: %v", domain.ErrInternal, applyErr)
	}

	stagedIdx := 0
	for _, op := range ops {
		switch op.kind {
		case opSend:
			st := staged[stagedIdx]
			stagedIdx++
			st.op.msg.SetProperty(domain.PropTxnCommitted, "true")
			if st.disk {
				// Re-persisting under the same id repoints the index
				// entry at the committed record.
				if err := c.eng.SaveMessage(st.op.queue, st.op.msg); err != nil {
					return failPhaseTwo(err)
				}
			}
			if err := c.store.InjectPersisted(st.op.queue, st.op.msg); err != nil {
				return failPhaseTwo(err)
			}
			injected = append(injected, st)
		case opAck:
			if err := c.store.Ack(op.queue, op.id); err != nil {
				return failPhaseTwo(err)
			}
		case opNack:
			if err := c.store.Nack(op.queue, op.id, true); err != nil {
				return failPhaseTwo(err)
			}
		}
	}

	c.finish(tx, StateCommitted)
	logging.Op().Debug("transaction committed", "txn", txID, "ops", len(ops))
	return nil
}

// Rollback discards the buffered operations.
func (c *Coordinator) Rollback(txID, reason string) error {
	c.mu.Lock()
	tx, err := c.activeLocked(txID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	tx.timer.Stop()
	tx.state = StateRolledBack
	c.mu.Unlock()

	c.releaseBuffered(tx)
	c.finish(tx, StateRolledBack)
	logging.Op().Debug("transaction rolled back", "txn", txID, "reason", reason)
	return nil
}

// expire is the timer callback: an ACTIVE transaction past its deadline
// rolls back with state TIMED_OUT.
func (c *Coordinator) expire(txID string) {
	c.mu.Lock()
	tx, ok := c.txns[txID]
	if !ok || tx.state != StateActive {
		c.mu.Unlock()
		return
	}
	tx.state = StateTimedOut
	c.mu.Unlock()

	c.releaseBuffered(tx)
	c.finish(tx, StateTimedOut)
	logging.Op().Warn("transaction timed out",
		"txn", txID,
		"timeout", tx.Timeout,
		"buffered_ops", strconv.Itoa(len(tx.ops)),
	)
}

func (c *Coordinator) releaseBuffered(tx *Transaction) {
	for _, op := range tx.ops {
		if op.kind == opSend && op.msg != nil {
			op.msg.ReleaseRef()
		}
	}
}

// finish records the terminal state and drops the transaction from the
// table.
func (c *Coordinator) finish(tx *Transaction, state State) {
	c.mu.Lock()
	tx.state = state
	tx.ops = nil
	delete(c.txns, tx.ID)
	c.mu.Unlock()

	switch state {
	case StateCommitted:
		c.committed.Add(1)
	case StateRolledBack:
		c.rolledBack.Add(1)
	case StateTimedOut:
		c.timedOut.Add(1)
	}
}

// GetStats snapshots the aggregate counters.
func (c *Coordinator) GetStats() Stats {
	return Stats{
		Begun:      c.begun.Load(),
		Committed:  c.committed.Load(),
		RolledBack: c.rolledBack.Load(),
		TimedOut:   c.timedOut.Load(),
	}
}

// ActiveCount reports the number of open transactions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txns)
}

// Shutdown rolls back every open transaction.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	open := make([]*Transaction, 0, len(c.txns))
	for _, tx := range c.txns {
		open = append(open, tx)
	}
	c.mu.Unlock()

	for _, tx := range open {
		tx.timer.Stop()
		c.releaseBuffered(tx)
		c.finish(tx, StateRolledBack)
	}
	if len(open) > 0 {
		logging.Op().Info("open transactions rolled back on shutdown", "count", len(open))
	}
}
