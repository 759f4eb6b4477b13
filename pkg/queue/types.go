// Package queue provides the durable execution job queue and the worker
// pool that drains it. Jobs live in PostgreSQL; claiming uses
// FOR UPDATE SKIP LOCKED so each job is held by exactly one worker at a
// time, and redelivery makes processing at-least-once.
package queue

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no runnable jobs are in the queue.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrPermanent marks an execution failure that must not be retried
	// (aborted executions, invalid playbooks). The job goes terminal
	// regardless of remaining attempts.
	ErrPermanent = errors.New("permanent failure")
)

// JobStatus is the lifecycle status of a queue job.
type JobStatus string

// Job statuses.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one queued execution request.
type Job struct {
	ID          int64
	ExecutionID string
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	NextRunAt   time.Time
	ClaimedBy   string
	LastError   string
	CreatedAt   time.Time
}

// Executor runs one claimed job. It owns the entire execution lifecycle
// and writes results progressively; the worker only handles claiming,
// heartbeat, retry scheduling and the terminal job status.
//
// A nil return completes the job. context.Canceled completes it as a
// cancellation. ErrPermanent (wrapped) fails it terminally. Any other
// error schedules a redelivery until attempts run out.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  int64     `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
