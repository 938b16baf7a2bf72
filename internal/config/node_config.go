package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig represents the complete configuration for a storage node
type NodeConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Storage       StorageConfig       `yaml:"storage"`
	CommitLog     CommitLogConfig     `yaml:"commit_log"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Disk          DiskConfig          `yaml:"disk"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the client-facing listener configuration
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// CoordinatorConfig holds where and how a node reaches the coordinator
type CoordinatorConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	// LockTimeout bounds the wait for SHUTDOWN after TERM_REQ
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// StorageConfig holds storage engine configuration
type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	CacheCapacity int    `yaml:"cache_capacity"`
	// CompactionEvery runs a compaction after this many memtable dumps
	CompactionEvery int `yaml:"compaction_every"`
	MaxKeySize      int `yaml:"max_key_size"`
	MaxValueSize    int `yaml:"max_value_size"`
}

// CommitLogConfig holds WAL configuration
type CommitLogConfig struct {
	SyncWrites bool `yaml:"sync_writes"`
}

// ReplicationConfig holds replica push configuration
type ReplicationConfig struct {
	Period      time.Duration `yaml:"period"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// TransferTimeout bounds each message exchange during a transfer
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
}

// NotificationsConfig holds subscriber notification delivery configuration
type NotificationsConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DiskConfig holds disk usage thresholds, in percent
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// MetricsConfig holds admin HTTP server configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
	// RequestsPerSecond and Burst rate limit the admin endpoints
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadNodeConfig loads a storage node configuration from a YAML file
func LoadNodeConfig(filePath string) (*NodeConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setNodeDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DefaultNodeConfig returns a configuration with every default applied
func DefaultNodeConfig() *NodeConfig {
	cfg := &NodeConfig{}
	setNodeDefaults(cfg)
	return cfg
}

func setNodeDefaults(cfg *NodeConfig) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Coordinator.Host == "" {
		cfg.Coordinator.Host = "127.0.0.1"
	}
	if cfg.Coordinator.Port == 0 {
		cfg.Coordinator.Port = 40000
	}
	if cfg.Coordinator.RetryInterval == 0 {
		cfg.Coordinator.RetryInterval = 2 * time.Second
	}
	if cfg.Coordinator.MaxRetries == 0 {
		cfg.Coordinator.MaxRetries = 10
	}
	if cfg.Coordinator.LockTimeout == 0 {
		cfg.Coordinator.LockTimeout = 60 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.CacheCapacity == 0 {
		cfg.Storage.CacheCapacity = 100
	}
	if cfg.Storage.CompactionEvery == 0 {
		cfg.Storage.CompactionEvery = 3
	}
	if cfg.Storage.MaxKeySize == 0 {
		cfg.Storage.MaxKeySize = 20
	}
	if cfg.Storage.MaxValueSize == 0 {
		cfg.Storage.MaxValueSize = 120 * 1024
	}

	if cfg.Replication.Period == 0 {
		cfg.Replication.Period = 30 * time.Second
	}
	if cfg.Replication.DialTimeout == 0 {
		cfg.Replication.DialTimeout = 5 * time.Second
	}
	if cfg.Replication.TransferTimeout == 0 {
		cfg.Replication.TransferTimeout = 30 * time.Second
	}

	if cfg.Notifications.Workers == 0 {
		cfg.Notifications.Workers = 4
	}
	if cfg.Notifications.QueueSize == 0 {
		cfg.Notifications.QueueSize = 256
	}
	if cfg.Notifications.DialTimeout == 0 {
		cfg.Notifications.DialTimeout = 2 * time.Second
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.RequestsPerSecond == 0 {
		cfg.Metrics.RequestsPerSecond = 50
	}
	if cfg.Metrics.Burst == 0 {
		cfg.Metrics.Burst = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *NodeConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Coordinator.Port < 1 || c.Coordinator.Port > 65535 {
		return fmt.Errorf("coordinator.port must be between 1 and 65535")
	}
	if c.Storage.CacheCapacity < 1 {
		return fmt.Errorf("storage.cache_capacity must be positive")
	}
	if c.Storage.MaxKeySize < 1 || c.Storage.MaxValueSize < 1 {
		return fmt.Errorf("storage key and value limits must be positive")
	}
	if c.Disk.WarningThreshold > c.Disk.CircuitBreakerThreshold {
		return fmt.Errorf("disk.warning_threshold must not exceed disk.circuit_breaker_threshold")
	}
	if c.Disk.CircuitBreakerThreshold > 100 {
		return fmt.Errorf("disk.circuit_breaker_threshold must be at most 100")
	}
	return nil
}
