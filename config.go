package quasar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/quasar/internal/cipher"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/codec"
	"github.com/oriys/quasar/internal/pool"
)

// MetricsConfig controls the optional Prometheus registry. The
// in-process counter snapshot is always available.
type MetricsConfig struct {
	EnablePrometheus bool      `json:"enable_prometheus" yaml:"enable_prometheus"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// BreakerConfig shapes the persistence circuit breaker.
type BreakerConfig struct {
	ErrorPct         float64 `json:"error_pct" yaml:"error_pct"`
	WindowDurationMs int64   `json:"window_duration_ms" yaml:"window_duration_ms"`
	OpenDurationMs   int64   `json:"open_duration_ms" yaml:"open_duration_ms"`
	HalfOpenProbes   int     `json:"half_open_probes" yaml:"half_open_probes"`
}

// Config is the engine-wide configuration.
type Config struct {
	DataDir         string `json:"data_dir" yaml:"data_dir"`
	SyncWrites      bool   `json:"sync_writes" yaml:"sync_writes"`
	SweepIntervalMs int64  `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	ShutdownGraceMs int64  `json:"shutdown_grace_ms" yaml:"shutdown_grace_ms"`
	LogLevel        string `json:"log_level" yaml:"log_level"`

	Performance pool.Config   `json:"performance" yaml:"performance"`
	Breaker     BreakerConfig `json:"breaker" yaml:"breaker"`
	Metrics     MetricsConfig `json:"metrics" yaml:"metrics"`

	// Queues declared here are created (or recovered) at Initialize.
	Queues []QueueConfig `json:"queues,omitempty" yaml:"queues,omitempty"`
}

// Normalize fills defaults for zero-valued fields.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = "./quasar_data"
	}
	if c.SweepIntervalMs <= 0 {
		c.SweepIntervalMs = 50
	}
	if c.ShutdownGraceMs <= 0 {
		c.ShutdownGraceMs = 30000
	}
}

func (c *Config) breakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorPct:       c.Breaker.ErrorPct,
		WindowDuration: time.Duration(c.Breaker.WindowDurationMs) * time.Millisecond,
		OpenDuration:   time.Duration(c.Breaker.OpenDurationMs) * time.Millisecond,
		HalfOpenProbes: c.Breaker.HalfOpenProbes,
	}
}

// LoadConfig reads a JSON or YAML configuration file, chosen by
// extension (.yaml/.yml vs anything else).
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// ExportJSON serializes the configuration; ExportJSON followed by a
// parse yields the same scalar values back.
func (c Config) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// CompressionAlgorithm selects a payload codec.
type CompressionAlgorithm = codec.Algorithm

// Compression algorithms.
const (
	CompressionNone   = codec.None
	CompressionGZIP   = codec.GZIP
	CompressionLZ4    = codec.LZ4
	CompressionZSTD   = codec.ZSTD
	CompressionSNAPPY = codec.SNAPPY
)

// CompressionConfig is the per-queue compression policy.
type CompressionConfig struct {
	Algorithm CompressionAlgorithm `json:"algorithm" yaml:"algorithm"`
	// Level applies to codecs with tunable effort (1-9).
	Level int `json:"level" yaml:"level"`
	// MinSize skips payloads smaller than this many bytes.
	MinSize int `json:"min_size" yaml:"min_size"`
	// EnableAuto compresses outgoing payloads transparently; consumers
	// observe decompressed payloads.
	EnableAuto bool `json:"enable_auto" yaml:"enable_auto"`
}

// EncryptionAlgorithm selects a payload cipher.
type EncryptionAlgorithm = cipher.Algorithm

// Encryption algorithms.
const (
	EncryptionNone             = cipher.None
	EncryptionAES256GCM        = cipher.AES256GCM
	EncryptionAES256CTR        = cipher.AES256CTR
	EncryptionChaCha20Poly1305 = cipher.ChaCha20Poly1305
)

// EncryptionConfig is the per-queue encryption policy. A fresh nonce or
// IV is generated per message and carried inside the sealed payload;
// authenticated modes append their tag.
type EncryptionConfig struct {
	Algorithm  EncryptionAlgorithm `json:"algorithm" yaml:"algorithm"`
	Key        []byte              `json:"key" yaml:"key"`
	EnableAuto bool                `json:"enable_auto" yaml:"enable_auto"`
}
