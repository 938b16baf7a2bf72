package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	cfg, err := LoadNodeConfig(writeFile(t, "server:\n  port: 6001\n"))
	require.NoError(t, err)

	assert.Equal(t, 6001, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 40000, cfg.Coordinator.Port)
	assert.Equal(t, 100, cfg.Storage.CacheCapacity)
	assert.Equal(t, 3, cfg.Storage.CompactionEvery)
	assert.Equal(t, 20, cfg.Storage.MaxKeySize)
	assert.Equal(t, 120*1024, cfg.Storage.MaxValueSize)
	assert.Equal(t, 30*time.Second, cfg.Replication.Period)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadNodeConfig_Overrides(t *testing.T) {
	cfg, err := LoadNodeConfig(writeFile(t, `
server:
  host: 10.0.0.5
  port: 6002
coordinator:
  host: 10.0.0.1
  port: 41000
  lock_timeout: 15s
storage:
  data_dir: /var/lib/pairkv
  cache_capacity: 500
replication:
  period: 1m
logging:
  level: debug
  format: console
`))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, 41000, cfg.Coordinator.Port)
	assert.Equal(t, 15*time.Second, cfg.Coordinator.LockTimeout)
	assert.Equal(t, "/var/lib/pairkv", cfg.Storage.DataDir)
	assert.Equal(t, 500, cfg.Storage.CacheCapacity)
	assert.Equal(t, time.Minute, cfg.Replication.Period)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadNodeConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"port out of range", "server:\n  port: 70000\n"},
		{"negative capacity", "storage:\n  cache_capacity: -1\n"},
		{"inverted disk thresholds", "disk:\n  warning_threshold: 90\n  circuit_breaker_threshold: 85\n"},
		{"malformed yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadNodeConfig(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadNodeConfig_MissingFile(t *testing.T) {
	_, err := LoadNodeConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadCoordinatorConfig(t *testing.T) {
	path := writeFile(t, `
server:
  port: 41000
membership:
  lock_timeout: 10s
logging:
  level: warn
`)

	cfg, err := LoadCoordinatorConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 41000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Membership.LockTimeout)
	assert.Equal(t, 5*time.Second, cfg.Membership.SendTimeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadCoordinatorConfig_EnvironmentWins(t *testing.T) {
	t.Setenv("COORDINATOR_HOST", "0.0.0.0")
	t.Setenv("COORDINATOR_PORT", "42000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadCoordinatorConfig(writeFile(t, "server:\n  port: 41000\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 42000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadCoordinatorConfig_MissingFileUsesDefaults(t *testing.T) {
	for _, key := range []string{"COORDINATOR_HOST", "COORDINATOR_PORT", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadCoordinatorConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultCoordinatorConfig(), cfg)
}

func TestBuildLogger(t *testing.T) {
	logger, err := BuildLogger(LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = BuildLogger(LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
