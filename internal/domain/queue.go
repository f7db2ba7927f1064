package domain

// QueueType selects the delivery ordering discipline.
type QueueType uint32

const (
	QueueStandard QueueType = iota // FIFO
	QueuePriority                  // higher priority first, ties by ID ascending
)

// PersistenceMode controls whether accepted messages survive a restart.
type PersistenceMode uint32

const (
	MemoryOnly PersistenceMode = iota
	DiskPersistent
)

// Default queue limits applied by QueueConfig.Normalize.
const (
	DefaultMaxSize         = 10000
	DefaultMaxSizeBytes    = 64 * 1024 * 1024
	DefaultMaxRetries      = 3
	DefaultRetryDelayMs    = 1000
	DefaultMaxRetryDelayMs = 30000
	DefaultMessageTTLMs    = 30000
	DefaultBatchSize       = 100
)

// QueueConfig is the per-queue configuration, persisted alongside the
// queue's stats record.
type QueueConfig struct {
	Name                string          `json:"name" yaml:"name"`
	Type                QueueType       `json:"type" yaml:"type"`
	Persistence         PersistenceMode `json:"persistence" yaml:"persistence"`
	MaxSize             uint32          `json:"max_size" yaml:"max_size"`
	MaxSizeBytes        uint64          `json:"max_size_bytes" yaml:"max_size_bytes"`
	MessageTTLMs        int64           `json:"message_ttl_ms" yaml:"message_ttl_ms"`
	VisibilityTimeoutMs int64           `json:"visibility_timeout_ms" yaml:"visibility_timeout_ms"`
	DeadLetterEnabled   bool            `json:"dead_letter_enabled" yaml:"dead_letter_enabled"`
	DeadLetterQueue     string          `json:"dead_letter_queue" yaml:"dead_letter_queue"`
	DeadLetterTTLMs     int64           `json:"dead_letter_ttl_ms" yaml:"dead_letter_ttl_ms"`
	MaxRetries          uint32          `json:"max_retries" yaml:"max_retries"`
	RetryDelayMs        int64           `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	EnableBackoff       bool            `json:"enable_backoff" yaml:"enable_backoff"`
	BackoffMultiplier   float64         `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxRetryDelayMs     int64           `json:"max_retry_delay_ms" yaml:"max_retry_delay_ms"`
	EnableBatching      bool            `json:"enable_batching" yaml:"enable_batching"`
	BatchSize           uint32          `json:"batch_size" yaml:"batch_size"`
}

// Normalize fills zero-valued limits with defaults. The visibility
// timeout defaults to the message TTL when unset.
func (c *QueueConfig) Normalize() {
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.MaxSizeBytes == 0 {
		c.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if c.MessageTTLMs <= 0 {
		c.MessageTTLMs = DefaultMessageTTLMs
	}
	if c.VisibilityTimeoutMs <= 0 {
		c.VisibilityTimeoutMs = c.MessageTTLMs
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = DefaultRetryDelayMs
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxRetryDelayMs <= 0 {
		c.MaxRetryDelayMs = DefaultMaxRetryDelayMs
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// QueueStats is the per-queue counter block, persisted with the queue
// metadata record. Counters are maintained under the queue lock.
type QueueStats struct {
	TotalEnqueued     uint64 `json:"total_enqueued"`
	TotalDequeued     uint64 `json:"total_dequeued"`
	TotalAcked        uint64 `json:"total_acked"`
	TotalNacked       uint64 `json:"total_nacked"`
	TotalExpired      uint64 `json:"total_expired"`
	TotalDeadLettered uint64 `json:"total_dead_lettered"`
	TotalDropped      uint64 `json:"total_dropped"`
	PendingCount      uint64 `json:"pending_count"`
	PendingBytes      uint64 `json:"pending_bytes"`
	InflightCount     uint64 `json:"inflight_count"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// QueueInfo is the admin-facing snapshot of a queue.
type QueueInfo struct {
	Config QueueConfig `json:"config"`
	Stats  QueueStats  `json:"stats"`
}
