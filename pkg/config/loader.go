package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load builds the runtime configuration. Order of precedence, lowest
// first: built-in defaults, the YAML file at path (optional), then
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeYAML(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration loaded",
		"config_file", path,
		"trigger_concurrency", cfg.Trigger.Concurrency,
		"queue_workers", cfg.Queue.WorkerCount,
		"server_port", cfg.Server.Port)
	return cfg, nil
}

func mergeYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No config file found, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides individual settings from environment variables.
func applyEnv(cfg *Config) {
	envInt("TRIGGER_CONCURRENCY", &cfg.Trigger.Concurrency)
	envInt("EXECUTOR_CONCURRENCY", &cfg.Queue.WorkerCount)
	envInt("JOB_ATTEMPTS", &cfg.Queue.MaxAttempts)
	envMillis("JOB_BACKOFF_INITIAL_MS", &cfg.Queue.BackoffInitial)
	envMillis("STEP_TIMEOUT_DEFAULT_MS", &cfg.Executor.StepTimeoutDefault)
	envMillis("STEP_RETRY_CAP_MS", &cfg.Executor.StepRetryCap)
	envInt("CHECKPOINT_RETENTION", &cfg.Executor.CheckpointRetention)
	envMillis("LIVE_CHANNEL_PING_MS", &cfg.Live.PingInterval)
	envMillis("LIVE_CHANNEL_TIMEOUT_MS", &cfg.Live.IdleTimeout)

	envString("EVENT_STREAM_ADDRESS", &cfg.Redis.Addr)
	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envString("EVENT_STREAM", &cfg.Redis.Stream)
	envString("EVENT_GROUP", &cfg.Redis.Group)

	envString("HTTP_HOST", &cfg.Server.Host)
	envInt("HTTP_PORT", &cfg.Server.Port)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer environment variable", "key", key, "value", v)
		return
	}
	*dst = n
}

func envMillis(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		slog.Warn("Ignoring invalid millisecond environment variable", "key", key, "value", v)
		return
	}
	*dst = time.Duration(ms) * time.Millisecond
}
