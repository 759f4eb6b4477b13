// Package config loads the SOAR core configuration: built-in defaults,
// optional rampart.yaml overrides, then environment variables on top.
package config

import (
	"fmt"
	"time"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Queue    QueueConfig    `yaml:"queue"`
	Executor ExecutorConfig `yaml:"executor"`
	Live     LiveConfig     `yaml:"live"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// RedisConfig holds the event stream connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Stream is the durable event log key; Group the trigger engine's
	// consumer group.
	Stream string `yaml:"stream"`
	Group  string `yaml:"group"`

	// MaxLen caps the stream length (approximate trimming on publish).
	MaxLen int64 `yaml:"max_len"`
}

// TriggerConfig controls the trigger engine consumers.
type TriggerConfig struct {
	// Concurrency is the number of concurrent event evaluations.
	Concurrency int `yaml:"concurrency"`

	// BlockTimeout is how long a consumer read blocks waiting for events.
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// ReclaimInterval is how often pending entries of dead consumers are
	// reclaimed; ReclaimMinIdle the idle threshold for reclaiming.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	ReclaimMinIdle  time.Duration `yaml:"reclaim_min_idle"`
}

// QueueConfig controls the execution job queue and worker pool.
// Jobs are claimed from the database, so these limits are per replica
// except MaxAttempts and the backoff schedule, which travel with the job.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica.
	WorkerCount int `yaml:"worker_count"`

	// MaxAttempts is the total delivery attempts per job.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffInitial is the delay before the first redelivery; each
	// further attempt doubles it.
	BackoffInitial time.Duration `yaml:"backoff_initial"`

	// PollInterval is the base interval for claiming pending jobs, with
	// PollIntervalJitter of random spread to avoid thundering herds.
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// JobTimeout bounds a single job run.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// GracefulShutdownTimeout is the max wait for in-flight jobs on shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// OrphanDetectionInterval is how often to scan for jobs whose worker
	// stopped heartbeating; OrphanThreshold the heartbeat staleness limit.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`
	OrphanThreshold         time.Duration `yaml:"orphan_threshold"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`

	// Retention bounds the completed/failed job history kept in the
	// queue table.
	KeepCompleted int `yaml:"keep_completed"`
	KeepFailed    int `yaml:"keep_failed"`
}

// ExecutorConfig controls the playbook interpreter.
type ExecutorConfig struct {
	// StepTimeoutDefault applies when a step omits timeoutMs.
	StepTimeoutDefault time.Duration `yaml:"step_timeout_default"`

	// StepRetryCap caps the per-step retry backoff (1s, 2s, 4s, ... capped).
	StepRetryCap time.Duration `yaml:"step_retry_cap"`

	// CheckpointRetention is the max checkpoints kept per execution.
	CheckpointRetention int `yaml:"checkpoint_retention"`
}

// LiveConfig controls the websocket progress channel.
type LiveConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// CatchupLimit bounds how many persisted events are replayed on
	// subscription catchup.
	CatchupLimit int `yaml:"catchup_limit"`
}

// AuditConfig controls the audit trail retention.
type AuditConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Stream: "rampart:events",
			Group:  "trigger-engine",
			MaxLen: 100_000,
		},
		Trigger: TriggerConfig{
			Concurrency:     5,
			BlockTimeout:    5 * time.Second,
			ReclaimInterval: 30 * time.Second,
			ReclaimMinIdle:  time.Minute,
		},
		Queue: QueueConfig{
			WorkerCount:             5,
			MaxAttempts:             3,
			BackoffInitial:          2 * time.Second,
			PollInterval:            time.Second,
			PollIntervalJitter:      500 * time.Millisecond,
			JobTimeout:              15 * time.Minute,
			GracefulShutdownTimeout: 15 * time.Minute,
			OrphanDetectionInterval: 5 * time.Minute,
			OrphanThreshold:         5 * time.Minute,
			HeartbeatInterval:       30 * time.Second,
			KeepCompleted:           100,
			KeepFailed:              50,
		},
		Executor: ExecutorConfig{
			StepTimeoutDefault:  30 * time.Second,
			StepRetryCap:        10 * time.Second,
			CheckpointRetention: 10,
		},
		Live: LiveConfig{
			PingInterval: 25 * time.Second,
			IdleTimeout:  60 * time.Second,
			CatchupLimit: 100,
		},
		Audit: AuditConfig{
			Retention:     90 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Redis.Stream == "" || c.Redis.Group == "" {
		return fmt.Errorf("redis.stream and redis.group are required")
	}
	if c.Trigger.Concurrency <= 0 {
		return fmt.Errorf("trigger.concurrency must be positive, got %d", c.Trigger.Concurrency)
	}
	if c.Queue.WorkerCount <= 0 {
		return fmt.Errorf("queue.worker_count must be positive, got %d", c.Queue.WorkerCount)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffInitial <= 0 {
		return fmt.Errorf("queue.backoff_initial must be positive")
	}
	if c.Executor.StepTimeoutDefault <= 0 {
		return fmt.Errorf("executor.step_timeout_default must be positive")
	}
	if c.Executor.CheckpointRetention <= 0 {
		return fmt.Errorf("executor.checkpoint_retention must be positive, got %d", c.Executor.CheckpointRetention)
	}
	if c.Live.PingInterval <= 0 || c.Live.IdleTimeout <= 0 {
		return fmt.Errorf("live.ping_interval and live.idle_timeout must be positive")
	}
	if c.Live.IdleTimeout <= c.Live.PingInterval {
		return fmt.Errorf("live.idle_timeout must exceed live.ping_interval")
	}
	return nil
}
