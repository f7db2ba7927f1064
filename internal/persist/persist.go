// Package persist is the durable storage layer: queue configurations,
// statistics, and messages live in three binary files under the data
// directory, fronted by an in-memory index for (queue, id) lookup.
//
// # On-disk layout
//
// All integers are little-endian with explicit field order; there is no
// struct padding on disk.
//
//   - queue_data.bin: repeated {u32 nameLen, name, QueueConfig, QueueStats, u8 dirty}
//   - messages.bin: append-only stream of {u32 payloadLen, serialized message}
//   - index.bin: {u32 version=1, u32 queueCount, per queue: u32 nameLen,
//     name, u32 messageCount, per message: {u64 id, u64 offset, u64 size,
//     u64 timestamp, u8 tombstone}}
//
// # Concurrency
//
// A reader-writer lock guards the index, another guards queue metadata,
// and a plain mutex serializes file I/O. Reads never block other reads;
// file access is single-threaded per engine. Where both are needed the
// file mutex is taken first, the index lock second, and no path holds
// them in the reverse order; callers hold queue locks above both.
//
// # Failure behaviour
//
// Transient file errors are retried once after a short delay before the
// engine reports PERSISTENCE_FAILED. A circuit breaker in front of the
// write path fails fast while the filesystem is known to be erroring.
// Corrupt index entries are skipped with a warning; a short read aborts
// the index load and keeps the partial entries. The append log is the
// durable source of truth: index.bin is only a checkpoint written at
// shutdown and compaction, and Initialize reconciles it against the log
// tail so records appended after the last checkpoint survive an abrupt
// kill.
package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// File names inside the data directory. The layout is stable; hosts back
// up the directory as a whole.
const (
	QueueDataFileName   = "queue_data.bin"
	MessageDataFileName = "messages.bin"
	IndexFileName       = "index.bin"
)

// Bounds applied while reading the index file. Anything larger is
// treated as corruption, not load.
const (
	maxIndexQueues      = 10000
	maxIndexMessages    = 100000
	maxQueueNameLength  = 1024
	transientRetryDelay = 50 * time.Millisecond
	transientRetryCount = 1
)

// Config configures the engine.
type Config struct {
	DataDir string                `json:"data_dir" yaml:"data_dir"`
	Breaker circuitbreaker.Config `json:"breaker" yaml:"breaker"`
	// SyncWrites forces a flush after every message append. Leaving it
	// off batches flushes at the OS's discretion, trading durability of
	// the last few writes for throughput.
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes"`
}

// indexEntry locates one message inside messages.bin.
type indexEntry struct {
	ID        domain.MessageID
	Offset    uint64
	Size      uint64
	Timestamp uint64
	Tombstone bool
}

// queueRecord is the in-memory mirror of one queue_data.bin record.
type queueRecord struct {
	Config domain.QueueConfig
	Stats  domain.QueueStats
	Dirty  bool
}

// Engine is the file-based persistence implementation.
type Engine struct {
	cfg         Config
	initialized atomic.Bool

	indexMu sync.RWMutex
	index   map[string]map[domain.MessageID]*indexEntry

	queueMu sync.RWMutex
	queues  map[string]*queueRecord

	fileMu      sync.Mutex
	messageFile *os.File
	writeOffset int64

	breaker *circuitbreaker.Breaker
	stats   persistenceMetrics
}

// NewEngine builds an engine; call Initialize before use.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		index:   make(map[string]map[domain.MessageID]*indexEntry),
		queues:  make(map[string]*queueRecord),
		breaker: circuitbreaker.New(cfg.Breaker),
	}
}

// Initialize ensures the data directory exists, opens the data files and
// loads the index and queue metadata. A missing or truncated index is
// not an error; the engine starts with whatever loaded cleanly.
func (e *Engine) Initialize() error {
	if e.initialized.Load() {
		return nil
	}
	if e.cfg.DataDir == "" {
		return fmt.Errorf("%w: data directory not set", domain.ErrInvalidParameter)
	}
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %v", domain.ErrPersistenceFailed, err)
	}

	f, err := os.OpenFile(e.messagePath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", domain.ErrPersistenceFailed, MessageDataFileName, err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: seek %s: %v", domain.ErrPersistenceFailed, MessageDataFileName, err)
	}
	e.messageFile = f
	e.writeOffset = end

	if err := e.loadQueueData(); err != nil {
		logging.Op().Warn("queue metadata load failed, starting empty", "error", err)
	}
	if err := e.loadIndex(); err != nil {
		logging.Op().Warn("index load failed, keeping partial index", "error", err)
	}
	// The log is the durable truth; recover anything the index file
	// never caught up with (abrupt kill, crash mid-shutdown).
	e.reconcileIndexWithLog()

	e.initialized.Store(true)
	logging.Op().Info("persistence engine initialized",
		"data_dir", e.cfg.DataDir,
		"queues", len(e.queues),
		"log_size", end,
	)
	return nil
}

// IsInitialized reports engine readiness.
func (e *Engine) IsInitialized() bool {
	return e.initialized.Load()
}

// Shutdown writes the index and queue metadata, then closes the data
// file. Idempotent.
func (e *Engine) Shutdown() {
	if !e.initialized.CompareAndSwap(true, false) {
		return
	}
	if err := e.writeIndex(); err != nil {
		logging.Op().Error("index write on shutdown failed", "error", err)
	}
	if err := e.writeQueueData(); err != nil {
		logging.Op().Error("queue metadata write on shutdown failed", "error", err)
	}
	e.fileMu.Lock()
	if e.messageFile != nil {
		e.messageFile.Sync()
		e.messageFile.Close()
		e.messageFile = nil
	}
	e.fileMu.Unlock()
	logging.Op().Info("persistence engine shut down")
}

func (e *Engine) messagePath() string { return filepath.Join(e.cfg.DataDir, MessageDataFileName) }
func (e *Engine) queuePath() string   { return filepath.Join(e.cfg.DataDir, QueueDataFileName) }
func (e *Engine) indexPath() string   { return filepath.Join(e.cfg.DataDir, IndexFileName) }

// retryTransient runs op once, then once more after a short delay on
// failure. File-system hiccups (EINTR, momentary ENOSPC) resolve on the
// second attempt; anything else surfaces.
func retryTransient(op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(transientRetryDelay), transientRetryCount)
	return backoff.Retry(op, policy)
}

// SaveQueue upserts a queue metadata record and rewrites queue_data.bin.
func (e *Engine) SaveQueue(cfg domain.QueueConfig, stats domain.QueueStats) error {
	if !e.initialized.Load() {
		return domain.ErrInvalidState
	}
	e.queueMu.Lock()
	e.queues[cfg.Name] = &queueRecord{Config: cfg, Stats: stats, Dirty: true}
	e.queueMu.Unlock()
	if err := retryTransient(e.writeQueueData); err != nil {
		return fmt.Errorf("%w: save queue %q: %v", domain.ErrPersistenceFailed, cfg.Name, err)
	}
	return nil
}

// LoadQueue fetches a persisted queue record by name.
func (e *Engine) LoadQueue(name string) (domain.QueueConfig, domain.QueueStats, error) {
	if !e.initialized.Load() {
		return domain.QueueConfig{}, domain.QueueStats{}, domain.ErrInvalidState
	}
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	rec, ok := e.queues[name]
	if !ok {
		return domain.QueueConfig{}, domain.QueueStats{}, domain.ErrQueueNotFound
	}
	return rec.Config, rec.Stats, nil
}

// DeleteQueue removes the metadata record and tombstones every message
// of the queue.
func (e *Engine) DeleteQueue(name string) error {
	if !e.initialized.Load() {
		return domain.ErrInvalidState
	}
	e.queueMu.Lock()
	_, ok := e.queues[name]
	delete(e.queues, name)
	e.queueMu.Unlock()
	if !ok {
		return domain.ErrQueueNotFound
	}

	e.indexMu.Lock()
	for _, entry := range e.index[name] {
		entry.Tombstone = true
	}
	delete(e.index, name)
	e.indexMu.Unlock()

	if err := retryTransient(e.writeQueueData); err != nil {
		return fmt.Errorf("%w: delete queue %q: %v", domain.ErrPersistenceFailed, name, err)
	}
	return nil
}

// ListPersistedQueues returns the names of all persisted queues, sorted.
func (e *Engine) ListPersistedQueues() []string {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveMessage serializes one message and appends it to the log, then
// records it in the index.
func (e *Engine) SaveMessage(queue string, m *domain.Message) error {
	return e.saveMessages(queue, []*domain.Message{m})
}

// SaveBatchMessages appends a batch under one file-lock acquisition.
// The index gains either every message of the batch or none.
func (e *Engine) SaveBatchMessages(queue string, msgs []*domain.Message) error {
	return e.saveMessages(queue, msgs)
}

func (e *Engine) saveMessages(queue string, msgs []*domain.Message) error {
	if !e.initialized.Load() {
		return domain.ErrInvalidState
	}
	if len(msgs) == 0 {
		return nil
	}
	if !e.breaker.Allow() {
		return fmt.Errorf("%w: persistence breaker open", domain.ErrPersistenceFailed)
	}

	start := time.Now()
	type staged struct {
		id     domain.MessageID
		offset uint64
		size   uint64
	}
	stagedEntries := make([]staged, 0, len(msgs))

	e.fileMu.Lock()
	err := retryTransient(func() error {
		stagedEntries = stagedEntries[:0]
		offset := e.writeOffset
		for _, m := range msgs {
			// Queue attribution rides in the record so the recovery
			// tail scan and RebuildIndex can reconstruct the index
			// from the log alone.
			m.SetProperty(domain.PropQueue, queue)
			data := encodeMessage(m)
			n, err := writeRecord(e.messageFile, offset, data)
			if err != nil {
				return err
			}
			stagedEntries = append(stagedEntries, staged{
				id:     m.Header.ID,
				offset: uint64(offset),
				size:   uint64(n),
			})
			offset += int64(n)
		}
		if e.cfg.SyncWrites {
			if err := e.messageFile.Sync(); err != nil {
				return err
			}
		}
		e.writeOffset = offset
		return nil
	})
	e.fileMu.Unlock()

	if err != nil {
		e.breaker.RecordFailure()
		e.stats.recordWrite(time.Since(start), false)
		logging.Op().Error("message append failed", "queue", queue, "count", len(msgs), "error", err)
		return fmt.Errorf("%w: append: %v", domain.ErrPersistenceFailed, err)
	}
	e.breaker.RecordSuccess()

	now := uint64(time.Now().UnixMilli())
	e.indexMu.Lock()
	byID := e.index[queue]
	if byID == nil {
		byID = make(map[domain.MessageID]*indexEntry)
		e.index[queue] = byID
	}
	for _, st := range stagedEntries {
		byID[st.id] = &indexEntry{ID: st.id, Offset: st.offset, Size: st.size, Timestamp: now}
	}
	e.indexMu.Unlock()

	e.stats.recordWrite(time.Since(start), true)
	return nil
}

// LoadMessage reads one message back from the log. Tombstoned or unknown
// ids report MESSAGE_NOT_FOUND.
func (e *Engine) LoadMessage(queue string, id domain.MessageID) (*domain.Message, error) {
	if !e.initialized.Load() {
		return nil, domain.ErrInvalidState
	}
	e.indexMu.RLock()
	entry, ok := e.index[queue][id]
	if ok && entry.Tombstone {
		ok = false
	}
	var offset, size uint64
	if ok {
		offset, size = entry.Offset, entry.Size
	}
	e.indexMu.RUnlock()
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return e.readMessageAt(offset, size)
}

func (e *Engine) readMessageAt(offset, size uint64) (*domain.Message, error) {
	start := time.Now()
	buf := make([]byte, size)
	e.fileMu.Lock()
	_, err := e.messageFile.ReadAt(buf, int64(offset))
	e.fileMu.Unlock()
	if err != nil {
		e.stats.recordRead(time.Since(start), false)
		return nil, fmt.Errorf("%w: read at %d: %v", domain.ErrPersistenceFailed, offset, err)
	}
	m, err := decodeRecord(buf)
	if err != nil {
		e.stats.recordRead(time.Since(start), false)
		return nil, fmt.Errorf("%w: decode at %d: %v", domain.ErrInternal, offset, err)
	}
	e.stats.recordRead(time.Since(start), true)
	return m, nil
}

// DeleteMessage tombstones an index entry; bytes are reclaimed by the
// next compaction.
func (e *Engine) DeleteMessage(queue string, id domain.MessageID) error {
	if !e.initialized.Load() {
		return domain.ErrInvalidState
	}
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	entry, ok := e.index[queue][id]
	if !ok || entry.Tombstone {
		return domain.ErrMessageNotFound
	}
	entry.Tombstone = true
	return nil
}

// LoadAllMessages returns every live message of a queue in id order.
// Used by the queue store at startup to rebuild pending state.
func (e *Engine) LoadAllMessages(queue string) ([]*domain.Message, error) {
	if !e.initialized.Load() {
		return nil, domain.ErrInvalidState
	}
	e.indexMu.RLock()
	entries := make([]*indexEntry, 0, len(e.index[queue]))
	for _, entry := range e.index[queue] {
		if !entry.Tombstone {
			entries = append(entries, &indexEntry{ID: entry.ID, Offset: entry.Offset, Size: entry.Size})
		}
	}
	e.indexMu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	msgs := make([]*domain.Message, 0, len(entries))
	for _, entry := range entries {
		m, err := e.readMessageAt(entry.Offset, entry.Size)
		if err != nil {
			logging.Op().Warn("skipping unreadable message during load",
				"queue", queue, "id", uint64(entry.ID), "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// PersistedMessageCount returns the number of live index entries for a
// queue.
func (e *Engine) PersistedMessageCount(queue string) int {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	n := 0
	for _, entry := range e.index[queue] {
		if !entry.Tombstone {
			n++
		}
	}
	return n
}

// TotalPersistedSize returns the message log size in bytes.
func (e *Engine) TotalPersistedSize() int64 {
	e.fileMu.Lock()
	defer e.fileMu.Unlock()
	return e.writeOffset
}
