// Package quasar is an embedded multi-queue message broker: producers
// send messages into named queues, consumers receive them with
// configurable reliability, and the engine persists accepted messages
// durably with crash recovery. Transactions, batching, zero-copy
// payloads, compression, encryption, retries, and dead-letter routing
// are built in.
//
// The engine is a library, not a networked broker. A host process
// constructs a Manager, wires its log sink, and calls the producer and
// consumer APIs in-process:
//
//	mgr := quasar.NewManager(quasar.Config{DataDir: "/var/lib/myapp/queues"})
//	if err := mgr.Initialize(); err != nil { ... }
//	defer mgr.Shutdown()
//
//	_ = mgr.CreateQueue(quasar.QueueConfig{Name: "jobs", Persistence: quasar.DiskPersistent})
//	id, _ := mgr.Send("jobs", []byte(`{"op":"resize"}`))
//	m, _ := mgr.ReceiveMessage("jobs", 5*time.Second)
//	_ = mgr.AckMessage("jobs", m.Header.ID)
package quasar

import (
	"log/slog"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/health"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/persist"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queuestore"
	"github.com/oriys/quasar/internal/txn"
)

// Core types, re-exported from the internal domain package.
type (
	Message       = domain.Message
	MessageHeader = domain.MessageHeader
	MessageID     = domain.MessageID
	MessageType   = domain.MessageType
	MessageStatus = domain.MessageStatus
	Priority      = domain.Priority
	DeliveryMode  = domain.DeliveryMode
	QueueType     = domain.QueueType
	QueueConfig   = domain.QueueConfig
	QueueStats    = domain.QueueStats
	QueueInfo     = domain.QueueInfo
	Result        = domain.Result

	PersistenceMode = domain.PersistenceMode

	BatchID        = pool.BatchID
	BatchInfo      = pool.BatchInfo
	BatchState     = pool.BatchState
	ZeroCopyBuffer = pool.ZeroCopyBuffer

	Event     = queuestore.Event
	EventType = queuestore.EventType
	Listener  = queuestore.Listener

	MetricsSnapshot  = metrics.Snapshot
	PersistenceStats = persist.Stats
	PerformanceStats = pool.StatsSnapshot
	TransactionStats = txn.Stats

	HealthStatus  = health.OverallStatus
	HealthResult  = health.Result
	CheckType     = health.CheckType
	CheckStatus   = health.Status
	CheckConfig   = health.Config
	CheckFunc     = health.CheckFunc
	HealthChecker = health.Checker
)

// Message classification.
const (
	MessageTypeText    = domain.MessageTypeText
	MessageTypeBinary  = domain.MessageTypeBinary
	MessageTypeJSON    = domain.MessageTypeJSON
	MessageTypeControl = domain.MessageTypeControl
)

// Priorities.
const (
	PriorityLow    = domain.PriorityLow
	PriorityNormal = domain.PriorityNormal
	PriorityHigh   = domain.PriorityHigh
)

// Delivery modes.
const (
	AtMostOnce  = domain.AtMostOnce
	AtLeastOnce = domain.AtLeastOnce
	ExactlyOnce = domain.ExactlyOnce
)

// Queue types and persistence modes.
const (
	QueueStandard  = domain.QueueStandard
	QueuePriority  = domain.QueuePriority
	MemoryOnly     = domain.MemoryOnly
	DiskPersistent = domain.DiskPersistent
)

// Batch lifecycle states.
const (
	BatchOpen      = pool.BatchOpen
	BatchCommitted = pool.BatchCommitted
	BatchAborted   = pool.BatchAborted
)

// Health results and check types.
const (
	Healthy   = health.Healthy
	Unhealthy = health.Unhealthy
	Degraded  = health.Degraded
	Critical  = health.Critical
	Unknown   = health.Unknown

	CheckQueue       = health.CheckQueue
	CheckPersistence = health.CheckPersistence
	CheckMemory      = health.CheckMemory
	CheckDisk        = health.CheckDisk
	CheckNetwork     = health.CheckNetwork
	CheckDatabase    = health.CheckDatabase
	CheckCustom      = health.CheckCustom
)

// Queue events observable through RegisterQueueListener.
const (
	EventEnqueued     = queuestore.EventEnqueued
	EventDelivered    = queuestore.EventDelivered
	EventAcked        = queuestore.EventAcked
	EventDeadLettered = queuestore.EventDeadLettered
	EventDropped      = queuestore.EventDropped
)

// Sentinel errors; match with errors.Is. ResultOf extracts the result
// code from any engine error.
var (
	ErrTimeout             = domain.ErrTimeout
	ErrQueueNotFound       = domain.ErrQueueNotFound
	ErrQueueAlreadyExists  = domain.ErrQueueAlreadyExists
	ErrQueueFull           = domain.ErrQueueFull
	ErrMessageNotFound     = domain.ErrMessageNotFound
	ErrNotInflight         = domain.ErrNotInflight
	ErrInvalidParameter    = domain.ErrInvalidParameter
	ErrInvalidState        = domain.ErrInvalidState
	ErrTransactionNotFound = domain.ErrTransactionNotFound
	ErrTransactionTimeout  = domain.ErrTransactionTimeout
	ErrEncryptionFailed    = domain.ErrEncryptionFailed
	ErrCompressionFailed   = domain.ErrCompressionFailed
	ErrPersistenceFailed   = domain.ErrPersistenceFailed
	ErrOutOfMemory         = domain.ErrOutOfMemory
	ErrNotSupported        = domain.ErrNotSupported
	ErrInternal            = domain.ErrInternal
)

// ResultOf maps an engine error back to its result code.
func ResultOf(err error) Result { return domain.ResultOf(err) }

// SetLogSink routes engine logs to the host's slog handler. Without a
// sink, log records are discarded.
func SetLogSink(h slog.Handler) { logging.SetSink(h) }

// SetLogLevel sets the engine's shared log level var ("debug", "info",
// "warn", "error"). Records passed to the handler installed with
// SetLogSink are not filtered by it.
func SetLogLevel(level string) { logging.SetLevelFromString(level) }

// NewMessage builds a message owning its payload, with normal priority
// and at-least-once delivery.
func NewMessage(t MessageType, payload []byte) *Message {
	return domain.NewMessage(t, payload)
}
