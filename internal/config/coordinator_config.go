package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorProcessConfig represents the membership coordinator configuration
type CoordinatorProcessConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Membership MembershipConfig `mapstructure:"membership"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// MembershipConfig bounds the coordinator's waits on nodes
type MembershipConfig struct {
	// LockTimeout bounds the wait for REQ_FIN after METADATA_LOCK
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	// SendTimeout bounds each message write to a node
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// DefaultCoordinatorConfig returns the coordinator defaults
func DefaultCoordinatorConfig() *CoordinatorProcessConfig {
	return &CoordinatorProcessConfig{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            40000,
			ShutdownTimeout: 30 * time.Second,
		},
		Membership: MembershipConfig{
			LockTimeout: 60 * time.Second,
			SendTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:           true,
			Port:              9091,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadCoordinatorConfig loads configuration from file and environment variables.
// The file is optional; environment variables take precedence over it.
func LoadCoordinatorConfig(configPath string) (*CoordinatorProcessConfig, error) {
	cfg := DefaultCoordinatorConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyCoordinatorEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyCoordinatorEnvironment(cfg *CoordinatorProcessConfig) {
	if host := os.Getenv("COORDINATOR_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("COORDINATOR_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// Validate validates the configuration
func (c *CoordinatorProcessConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Membership.LockTimeout <= 0 {
		return fmt.Errorf("membership.lock_timeout must be positive")
	}
	if c.Membership.SendTimeout <= 0 {
		return fmt.Errorf("membership.send_timeout must be positive")
	}
	return nil
}
