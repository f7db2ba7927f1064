package quasar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/quasar/internal/cipher"
	"github.com/oriys/quasar/internal/codec"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/health"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/persist"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queuestore"
	"github.com/oriys/quasar/internal/txn"
)

// Manager is the engine facade. It owns the performance substrate, the
// persistence engine, the queue store, the transaction coordinator, and
// the health checker, and exposes the producer/consumer/admin surface.
//
// The manager is reentrant and safe for concurrent use. Producer and
// consumer paths hold at most one queue's lock at a time; cross-queue
// work (dead-letter routing) locks the target only after releasing the
// source.
type Manager struct {
	cfg Config

	substrate *pool.Substrate
	engine    *persist.Engine
	store     *queuestore.Store
	coord     *txn.Coordinator
	checker   *health.Checker
	metrics   *metrics.Metrics

	optMu       sync.RWMutex
	compression map[string]CompressionConfig
	encryption  map[string]EncryptionConfig

	initialized atomic.Bool
}

// NewManager builds a manager; call Initialize before use.
func NewManager(cfg Config) *Manager {
	cfg.Normalize()
	m := &Manager{
		cfg:         cfg,
		metrics:     metrics.New(),
		compression: make(map[string]CompressionConfig),
		encryption:  make(map[string]EncryptionConfig),
	}
	m.substrate = pool.New(cfg.Performance)
	m.engine = persist.NewEngine(persist.Config{
		DataDir:    cfg.DataDir,
		SyncWrites: cfg.SyncWrites,
		Breaker:    cfg.breakerConfig(),
	})
	m.store = queuestore.New(m.engine, m.metrics, time.Duration(cfg.SweepIntervalMs)*time.Millisecond)
	m.coord = txn.NewCoordinator(m.store, m.engine)
	m.checker = health.NewChecker()
	return m
}

// Initialize opens persistence, recovers queues, starts the background
// workers, and registers the built-in health checks.
func (m *Manager) Initialize() error {
	if m.initialized.Load() {
		return nil
	}
	if m.cfg.LogLevel != "" {
		logging.SetLevelFromString(m.cfg.LogLevel)
	}
	if m.cfg.Metrics.EnablePrometheus {
		metrics.InitPrometheus(m.cfg.Metrics.Namespace, m.cfg.Metrics.HistogramBuckets)
	}
	if err := m.engine.Initialize(); err != nil {
		return err
	}
	if err := m.store.RecoverQueues(); err != nil {
		return err
	}
	for _, qc := range m.cfg.Queues {
		if err := m.store.CreateQueue(qc); err != nil && !errors.Is(err, ErrQueueAlreadyExists) {
			return err
		}
	}
	m.store.Start()
	m.registerBuiltinChecks()
	m.checker.Start()
	m.initialized.Store(true)
	logging.Op().Info("queue manager initialized", "data_dir", m.cfg.DataDir)
	return nil
}

// Shutdown stops workers and flushes persistence. Workers get the
// configured grace period before shutdown proceeds without them.
func (m *Manager) Shutdown() {
	if !m.initialized.CompareAndSwap(true, false) {
		return
	}
	grace := time.Duration(m.cfg.ShutdownGraceMs) * time.Millisecond
	done := make(chan struct{})
	go func() {
		m.coord.Shutdown()
		m.checker.Stop()
		m.store.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logging.Op().Warn("workers exceeded shutdown grace, proceeding", "grace", grace)
	}
	m.engine.Shutdown()
	m.substrate.Shutdown()
	logging.Op().Info("queue manager shut down")
}

func (m *Manager) ready() error {
	if !m.initialized.Load() {
		return fmt.Errorf("%w: manager not initialized", ErrInvalidState)
	}
	return nil
}

// --- Queue administration ---

// CreateQueue registers a queue.
func (m *Manager) CreateQueue(cfg QueueConfig) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.CreateQueue(cfg)
}

// DeleteQueue removes a queue and its messages.
func (m *Manager) DeleteQueue(name string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.DeleteQueue(name)
}

// PurgeQueue drops all messages of a queue.
func (m *Manager) PurgeQueue(name string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.PurgeQueue(name)
}

// GetQueueInfo snapshots a queue's configuration and counters.
func (m *Manager) GetQueueInfo(name string) (QueueInfo, error) {
	if err := m.ready(); err != nil {
		return QueueInfo{}, err
	}
	return m.store.GetInfo(name)
}

// ListQueues names the registered queues.
func (m *Manager) ListQueues() []string {
	return m.store.ListQueues()
}

// ListPersistedQueues names the queues present in the metadata file.
func (m *Manager) ListPersistedQueues() []string {
	return m.engine.ListPersistedQueues()
}

// --- Producer ---

// Send is the convenience producer: it wraps payload in a pooled text
// message and sends it.
func (m *Manager) Send(queue string, payload []byte) (MessageID, error) {
	msg, err := m.CreateMessage(MessageTypeText, payload)
	if err != nil {
		return 0, err
	}
	return m.SendMessage(queue, msg)
}

// SendMessage accepts a message for delivery. The payload is compressed
// and encrypted here when the queue's policies ask for it.
func (m *Manager) SendMessage(queue string, msg *Message) (MessageID, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if msg == nil {
		return 0, fmt.Errorf("%w: nil message", ErrInvalidParameter)
	}
	if msg.Header.ExpireTime > 0 && msg.Header.ExpireTime < time.Now().UnixMilli() {
		return 0, fmt.Errorf("%w: expire time in the past", ErrInvalidParameter)
	}
	if err := m.prepareOutgoing(queue, msg); err != nil {
		return 0, err
	}
	return m.store.Send(queue, msg)
}

// SendMessageZeroCopy sends a message whose payload references buf
// instead of owning a copy. The buffer gains an owner for the message's
// lifetime; persistence copies the bytes once.
func (m *Manager) SendMessageZeroCopy(queue string, buf *ZeroCopyBuffer) (MessageID, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if buf == nil {
		return 0, fmt.Errorf("%w: nil buffer", ErrInvalidParameter)
	}
	msg, err := m.CreateMessage(MessageTypeBinary, buf.Bytes())
	if err != nil {
		return 0, err
	}
	buf.Retain()
	msg.Ref = buf
	if err := m.prepareOutgoing(queue, msg); err != nil {
		msg.ReleaseRef()
		return 0, err
	}
	return m.store.Send(queue, msg)
}

// SendBatch accepts a group of messages as one contiguous run.
func (m *Manager) SendBatch(queue string, msgs []*Message) ([]MessageID, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if err := m.prepareOutgoing(queue, msg); err != nil {
			return nil, err
		}
	}
	return m.store.EnqueueBatch(queue, msgs)
}

// --- Consumer ---

// ReceiveMessage blocks until a message is deliverable or the timeout
// passes, in which case it reports TIMEOUT. Compressed or encrypted
// payloads are restored transparently.
func (m *Manager) ReceiveMessage(queue string, timeout time.Duration) (*Message, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	msg, err := m.store.Receive(queue, timeout, uuid.NewString())
	if err != nil {
		return nil, err
	}
	return m.transformIncoming(queue, msg)
}

// AckMessage acknowledges a delivered message.
func (m *Manager) AckMessage(queue string, id MessageID) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.Ack(queue, id)
}

// NackMessage reports failed processing. With requeue the message
// retries per the queue's policy; otherwise (or once retries are
// exhausted) it is dead-lettered or dropped.
func (m *Manager) NackMessage(queue string, id MessageID, requeue bool) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.store.Nack(queue, id, requeue)
}

// --- Performance substrate ---

// CreateMessage returns a pooled message.
func (m *Manager) CreateMessage(t MessageType, payload []byte) (*Message, error) {
	msg, err := m.substrate.CreateMessage(t, payload)
	if err != nil {
		return nil, mapPoolErr(err)
	}
	return msg, nil
}

// RecycleMessage hands a consumed message back to the object pool.
// Callers must not touch the message afterwards.
func (m *Manager) RecycleMessage(msg *Message) {
	m.substrate.RecycleMessage(msg)
}

// CreateZeroCopyBuffer wraps data in a shared reference-counted buffer.
// With takeOwnership the engine retains the caller's slice; otherwise
// the bytes are copied once into pool-backed memory.
func (m *Manager) CreateZeroCopyBuffer(data []byte, takeOwnership bool) (*ZeroCopyBuffer, error) {
	buf, err := m.substrate.CreateZeroCopyBuffer(data, takeOwnership)
	if err != nil {
		return nil, mapPoolErr(err)
	}
	return buf, nil
}

// ReleaseZeroCopyBuffer drops the caller's reference.
func (m *Manager) ReleaseZeroCopyBuffer(buf *ZeroCopyBuffer) {
	if buf != nil {
		buf.Release()
	}
}

// --- Batches ---

// CreateBatch opens a batch bound to a queue.
func (m *Manager) CreateBatch(queue string) (BatchID, error) {
	id, err := m.substrate.CreateBatch(queue)
	if err != nil {
		return 0, mapPoolErr(err)
	}
	return id, nil
}

// AddToBatch appends a message to an open batch.
func (m *Manager) AddToBatch(id BatchID, msg *Message) error {
	return mapPoolErr(m.substrate.AddToBatch(id, msg))
}

// CommitBatch finalizes a batch and enqueues its messages as one
// contiguous run. Committing an already-committed batch succeeds with
// no further deliveries.
func (m *Manager) CommitBatch(id BatchID) error {
	if err := m.ready(); err != nil {
		return err
	}
	res, err := m.substrate.CommitBatch(id)
	if err != nil {
		return mapPoolErr(err)
	}
	if res.Replayed || len(res.Messages) == 0 {
		return nil
	}
	if res.Queue == "" {
		return fmt.Errorf("%w: batch has no queue binding", ErrInvalidParameter)
	}
	for _, msg := range res.Messages {
		if err := m.prepareOutgoing(res.Queue, msg); err != nil {
			return err
		}
	}
	_, err = m.store.EnqueueBatch(res.Queue, res.Messages)
	return err
}

// AbortBatch discards a batch; aborting twice is idempotent.
func (m *Manager) AbortBatch(id BatchID) error {
	return mapPoolErr(m.substrate.AbortBatch(id))
}

// ResetBatch empties a batch and reopens it, optionally rebinding the
// queue.
func (m *Manager) ResetBatch(id BatchID, queue string) error {
	return mapPoolErr(m.substrate.ResetBatch(id, queue))
}

// GetBatchInfo snapshots a batch.
func (m *Manager) GetBatchInfo(id BatchID) (BatchInfo, error) {
	info, err := m.substrate.GetBatchInfo(id)
	if err != nil {
		return BatchInfo{}, mapPoolErr(err)
	}
	return info, nil
}

// --- Transactions ---

// BeginTransaction opens a transaction with the given timeout.
func (m *Manager) BeginTransaction(description string, timeout time.Duration) (string, error) {
	if err := m.ready(); err != nil {
		return "", err
	}
	return m.coord.Begin(description, timeout), nil
}

// SendMessageInTransaction buffers a send until commit. Per-queue
// compression and encryption apply at buffer time, so a policy change
// between buffer and commit does not split the transaction's encoding.
func (m *Manager) SendMessageInTransaction(txID, queue string, msg *Message) error {
	if err := m.ready(); err != nil {
		return err
	}
	if err := m.prepareOutgoing(queue, msg); err != nil {
		return err
	}
	return m.coord.Send(txID, queue, msg)
}

// AckInTransaction buffers an acknowledge until commit.
func (m *Manager) AckInTransaction(txID, queue string, id MessageID) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.coord.Ack(txID, queue, id)
}

// NackInTransaction buffers a negative acknowledge until commit.
func (m *Manager) NackInTransaction(txID, queue string, id MessageID) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.coord.Nack(txID, queue, id)
}

// CommitTransaction applies the buffered operations atomically.
func (m *Manager) CommitTransaction(txID string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.coord.Commit(txID)
}

// RollbackTransaction discards the buffered operations.
func (m *Manager) RollbackTransaction(txID, reason string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.coord.Rollback(txID, reason)
}

// GetTransactionStats returns the aggregate transaction counters.
func (m *Manager) GetTransactionStats() txn.Stats {
	return m.coord.GetStats()
}

// --- Compression / encryption ---

// SetCompressionConfig installs the per-queue compression policy.
func (m *Manager) SetCompressionConfig(queue string, cfg CompressionConfig) error {
	if _, ok := codec.Parse(cfg.Algorithm.String()); !ok {
		return fmt.Errorf("%w: unknown compression algorithm", ErrInvalidParameter)
	}
	m.optMu.Lock()
	m.compression[queue] = cfg
	m.optMu.Unlock()
	return nil
}

// SetEncryptionConfig installs the per-queue encryption policy.
func (m *Manager) SetEncryptionConfig(queue string, cfg EncryptionConfig) error {
	if cfg.Algorithm != EncryptionNone && len(cfg.Key) != cipher.KeySize {
		return fmt.Errorf("%w: key must be %d bytes", ErrInvalidParameter, cipher.KeySize)
	}
	m.optMu.Lock()
	m.encryption[queue] = cfg
	m.optMu.Unlock()
	return nil
}

// prepareOutgoing applies the queue's compression then encryption
// policies to an outgoing payload, recording what was applied in header
// properties so delivery can reverse it.
func (m *Manager) prepareOutgoing(queue string, msg *Message) error {
	m.optMu.RLock()
	ccfg := m.compression[queue]
	ecfg := m.encryption[queue]
	m.optMu.RUnlock()

	if ccfg.EnableAuto && ccfg.Algorithm != CompressionNone && len(msg.Payload) >= ccfg.MinSize {
		compressed, err := codec.Compress(ccfg.Algorithm, ccfg.Level, msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		msg.ReleaseRef() // payload no longer aliases a shared buffer
		msg.Payload = compressed
		msg.SetProperty(domain.PropCompression, ccfg.Algorithm.String())
	}
	if ecfg.EnableAuto && ecfg.Algorithm != EncryptionNone {
		sealed, err := cipher.Encrypt(ecfg.Algorithm, ecfg.Key, msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		msg.ReleaseRef()
		msg.Payload = sealed
		msg.SetProperty(domain.PropEncryption, ecfg.Algorithm.String())
	}
	return nil
}

// transformIncoming restores a payload for delivery: decrypt, then
// decompress, on a clone so the stored inflight copy keeps its on-disk
// form. Messages without transform properties pass through untouched.
func (m *Manager) transformIncoming(queue string, msg *Message) (*Message, error) {
	encAlg, hasEnc := msg.Property(domain.PropEncryption)
	compAlg, hasComp := msg.Property(domain.PropCompression)
	if !hasEnc && !hasComp {
		return msg, nil
	}

	out := msg.Clone()
	if hasEnc {
		alg, ok := cipher.Parse(encAlg)
		if !ok {
			return nil, fmt.Errorf("%w: unknown algorithm %q", ErrEncryptionFailed, encAlg)
		}
		m.optMu.RLock()
		key := m.encryption[queue].Key
		m.optMu.RUnlock()
		plain, err := cipher.Decrypt(alg, key, out.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		out.Payload = plain
		delete(out.Header.Properties, domain.PropEncryption)
	}
	if hasComp {
		alg, ok := codec.Parse(compAlg)
		if !ok {
			return nil, fmt.Errorf("%w: unknown algorithm %q", ErrCompressionFailed, compAlg)
		}
		raw, err := codec.Decompress(alg, out.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		out.Payload = raw
		delete(out.Header.Properties, domain.PropCompression)
	}
	return out, nil
}

// --- Metrics, health, maintenance ---

// GetMetrics snapshots the engine counters.
func (m *Manager) GetMetrics() metrics.Snapshot {
	return m.metrics.Snapshot()
}

// GetPersistenceStats snapshots persistence timings.
func (m *Manager) GetPersistenceStats() persist.Stats {
	return m.engine.GetPersistenceStats()
}

// ResetPersistenceStats zeroes persistence timings.
func (m *Manager) ResetPersistenceStats() {
	m.engine.ResetPersistenceStats()
}

// GetPerformanceStats snapshots the substrate counters.
func (m *Manager) GetPerformanceStats() pool.StatsSnapshot {
	return m.substrate.GetStats()
}

// PrometheusHandler returns the scrape endpoint, or nil when Prometheus
// metrics are disabled.
func (m *Manager) PrometheusHandler() http.Handler {
	if p := metrics.Prom(); p != nil {
		return p.Handler()
	}
	return nil
}

// RegisterQueueListener attaches a callback to a queue's lifecycle
// events.
func (m *Manager) RegisterQueueListener(queue string, l Listener) {
	m.store.RegisterListener(queue, l)
}

// Health returns the aggregate health status.
func (m *Manager) Health() health.OverallStatus {
	return m.checker.Overall()
}

// HealthChecker exposes the checker for custom check registration.
func (m *Manager) HealthChecker() *health.Checker {
	return m.checker
}

// GetDiagnostics describes the persistence layer's on-disk state.
func (m *Manager) GetDiagnostics() []string {
	return m.engine.GetDiagnostics()
}

// Compact rewrites the message log without tombstoned records.
func (m *Manager) Compact() error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.engine.CompactFiles()
}

// Backup copies the data directory to the given path.
func (m *Manager) Backup(path string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.engine.BackupData(path)
}

// Restore replaces the data directory with a backup. Only valid before
// Initialize.
func (m *Manager) Restore(path string) error {
	if m.initialized.Load() {
		return fmt.Errorf("%w: restore requires an uninitialized manager", ErrInvalidState)
	}
	return m.engine.RestoreData(path)
}

// RebuildIndex reconstructs the message index by scanning the log. Use
// after index corruption; in-memory queue state is unaffected.
func (m *Manager) RebuildIndex() error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.engine.RebuildIndex()
}

// registerBuiltinChecks wires the standard checks over engine state.
func (m *Manager) registerBuiltinChecks() {
	m.checker.Register(health.Config{Type: health.CheckQueue, Enabled: true, Interval: 10 * time.Second},
		func(context.Context) health.Observation {
			worst := health.Healthy
			details := map[string]string{}
			for _, name := range m.store.ListQueues() {
				info, err := m.store.GetInfo(name)
				if err != nil {
					continue
				}
				ratio := float64(info.Stats.PendingCount) / float64(info.Config.MaxSize)
				details[name] = strconv.FormatUint(info.Stats.PendingCount, 10)
				if ratio >= 1 {
					worst = health.Unhealthy
				} else if ratio >= 0.9 && worst == health.Healthy {
					worst = health.Degraded
				}
			}
			return health.Observation{Result: worst, Message: "queue depth scan", Details: details}
		})

	m.checker.Register(health.Config{Type: health.CheckPersistence, Enabled: true, Interval: 10 * time.Second},
		func(context.Context) health.Observation {
			if !m.engine.IsInitialized() {
				return health.Observation{Result: health.Critical, Message: "persistence engine not initialized"}
			}
			rate := m.engine.ErrorRate()
			switch {
			case rate > 0.5:
				return health.Observation{Result: health.Critical, Message: "persistence error rate over 50%"}
			case rate > 0.1:
				return health.Observation{Result: health.Unhealthy, Message: "persistence error rate over 10%"}
			case rate > 0:
				return health.Observation{Result: health.Degraded, Message: "persistence errors observed"}
			}
			return health.Observation{Result: health.Healthy, Message: "persistence ok"}
		})

	m.checker.Register(health.Config{Type: health.CheckMemory, Enabled: true, Interval: 10 * time.Second},
		func(context.Context) health.Observation {
			util := m.substrate.PoolUtilization()
			details := map[string]string{"pool_utilization": strconv.FormatFloat(util, 'f', 3, 64)}
			switch {
			case util > 0.95:
				return health.Observation{Result: health.Unhealthy, Message: "memory pool nearly exhausted", Details: details}
			case util > 0.8:
				return health.Observation{Result: health.Degraded, Message: "memory pool under pressure", Details: details}
			}
			return health.Observation{Result: health.Healthy, Message: "memory ok", Details: details}
		})

	m.checker.Register(health.Config{Type: health.CheckDisk, Enabled: true, Interval: 30 * time.Second},
		func(context.Context) health.Observation {
			free, total, err := health.DiskUsage(m.cfg.DataDir)
			if err != nil {
				return health.Observation{Result: health.Unknown, Message: "disk usage unavailable"}
			}
			details := map[string]string{
				"free_bytes":  strconv.FormatUint(free, 10),
				"total_bytes": strconv.FormatUint(total, 10),
			}
			if total == 0 {
				return health.Observation{Result: health.Unknown, Message: "disk usage unavailable", Details: details}
			}
			ratio := float64(free) / float64(total)
			switch {
			case ratio < 0.02:
				return health.Observation{Result: health.Critical, Message: "disk almost full", Details: details}
			case ratio < 0.1:
				return health.Observation{Result: health.Degraded, Message: "disk space low", Details: details}
			}
			return health.Observation{Result: health.Healthy, Message: "disk ok", Details: details}
		})
}

// mapPoolErr converts substrate sentinel errors onto the public result
// taxonomy.
func mapPoolErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pool.ErrBatchNotFound):
		return fmt.Errorf("%w: unknown batch", ErrMessageNotFound)
	case errors.Is(err, pool.ErrBatchFinalized):
		return fmt.Errorf("%w: batch finalized", ErrInvalidState)
	case errors.Is(err, pool.ErrOutOfMemory):
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	case errors.Is(err, pool.ErrShutdown):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
