package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftkv/replica-node/internal/codec"
)

// ServerConfig holds the replica's identity.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	AppID           int32         `yaml:"app_id"`
	PartitionIndex  int32         `yaml:"partition_index"`
	Address         string        `yaml:"address"`
	VerboseWriteLog bool          `yaml:"verbose_write_log"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ClusterConfig holds cross-cluster duplication settings. Clusters maps a
// cluster id to its name; only writes replayed from a mapped cluster are
// accepted. A local cluster id of 0 means timetag verification accepts any
// higher-timetag write.
type ClusterConfig struct {
	LocalClusterID             uint8            `yaml:"local_cluster_id"`
	Clusters                   map[uint8]string `yaml:"clusters"`
	DupLaggingWriteThresholdMs int64            `yaml:"dup_lagging_write_threshold_ms"`
}

// EngineConfig holds storage engine settings.
type EngineConfig struct {
	DataDir string `yaml:"data_dir"`
}

// TableConfig holds table-level settings pushed by the control plane.
type TableConfig struct {
	DefaultTTLSeconds uint32 `yaml:"default_ttl_seconds"`
}

// CapacityConfig holds capacity-unit accounting settings. Unit sizes are in
// bytes and must be powers of two.
type CapacityConfig struct {
	ReadUnitSizeBytes  uint64 `yaml:"read_unit_size_bytes"`
	WriteUnitSizeBytes uint64 `yaml:"write_unit_size_bytes"`
}

// IngestionConfig holds bulk-ingest settings.
type IngestionConfig struct {
	BulkLoadDir string `yaml:"bulk_load_dir"`
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
}

// MetricsConfig holds the metrics HTTP server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete replica-node configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Engine    EngineConfig    `yaml:"engine"`
	Table     TableConfig     `yaml:"table"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration.
func setDefaults(cfg *Config) {
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Cluster.DupLaggingWriteThresholdMs == 0 {
		cfg.Cluster.DupLaggingWriteThresholdMs = 10 * 1000
	}
	if cfg.Engine.DataDir == "" {
		cfg.Engine.DataDir = "/var/lib/driftkv"
	}
	if cfg.Capacity.ReadUnitSizeBytes == 0 {
		cfg.Capacity.ReadUnitSizeBytes = 4096
	}
	if cfg.Capacity.WriteUnitSizeBytes == 0 {
		cfg.Capacity.WriteUnitSizeBytes = 4096
	}
	if cfg.Ingestion.BulkLoadDir == "" {
		cfg.Ingestion.BulkLoadDir = cfg.Engine.DataDir + "/bulk_load"
	}
	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 1
	}
	if cfg.Ingestion.QueueSize == 0 {
		cfg.Ingestion.QueueSize = 4
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9191
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.PartitionIndex < 0 {
		return fmt.Errorf("server.partition_index must not be negative")
	}
	if c.Cluster.LocalClusterID > codec.MaxClusterID {
		return fmt.Errorf("cluster.local_cluster_id must not exceed %d", codec.MaxClusterID)
	}
	for id := range c.Cluster.Clusters {
		if id > codec.MaxClusterID {
			return fmt.Errorf("cluster.clusters key %d exceeds %d", id, codec.MaxClusterID)
		}
	}
	if !isPowerOfTwo(c.Capacity.ReadUnitSizeBytes) {
		return fmt.Errorf("capacity.read_unit_size_bytes must be a power of two")
	}
	if !isPowerOfTwo(c.Capacity.WriteUnitSizeBytes) {
		return fmt.Errorf("capacity.write_unit_size_bytes must be a power of two")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}

func isPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}
