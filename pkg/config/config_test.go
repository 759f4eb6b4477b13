package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Trigger.Concurrency)
	assert.Equal(t, 5, cfg.Queue.WorkerCount)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffInitial)
	assert.Equal(t, 30*time.Second, cfg.Executor.StepTimeoutDefault)
	assert.Equal(t, 10*time.Second, cfg.Executor.StepRetryCap)
	assert.Equal(t, 10, cfg.Executor.CheckpointRetention)
	assert.Equal(t, 25*time.Second, cfg.Live.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Live.IdleTimeout)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rampart.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  worker_count: 12
  max_attempts: 5
redis:
  addr: redis.internal:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Queue.WorkerCount)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	// Untouched settings keep defaults.
	assert.Equal(t, 5, cfg.Trigger.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffInitial)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rampart.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  worker_count: 12\n"), 0o600))

	t.Setenv("EXECUTOR_CONCURRENCY", "3")
	t.Setenv("JOB_BACKOFF_INITIAL_MS", "4000")
	t.Setenv("STEP_RETRY_CAP_MS", "8000")
	t.Setenv("CHECKPOINT_RETENTION", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.WorkerCount)
	assert.Equal(t, 4*time.Second, cfg.Queue.BackoffInitial)
	assert.Equal(t, 8*time.Second, cfg.Executor.StepRetryCap)
	assert.Equal(t, 4, cfg.Executor.CheckpointRetention)
}

func TestLoadInvalidEnvIgnored(t *testing.T) {
	t.Setenv("TRIGGER_CONCURRENCY", "not-a-number")
	t.Setenv("LIVE_CHANNEL_PING_MS", "-5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Trigger.Concurrency)
	assert.Equal(t, 25*time.Second, cfg.Live.PingInterval)
}

func TestValidateRejections(t *testing.T) {
	mutations := map[string]func(*Config){
		"port":        func(c *Config) { c.Server.Port = 0 },
		"redis addr":  func(c *Config) { c.Redis.Addr = "" },
		"group":       func(c *Config) { c.Redis.Group = "" },
		"trigger":     func(c *Config) { c.Trigger.Concurrency = 0 },
		"workers":     func(c *Config) { c.Queue.WorkerCount = -1 },
		"attempts":    func(c *Config) { c.Queue.MaxAttempts = 0 },
		"backoff":     func(c *Config) { c.Queue.BackoffInitial = 0 },
		"checkpoints": func(c *Config) { c.Executor.CheckpointRetention = 0 },
		"idle < ping": func(c *Config) { c.Live.IdleTimeout = c.Live.PingInterval },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rampart.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
