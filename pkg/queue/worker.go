package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rampartsec/rampart/pkg/config"
	"github.com/rampartsec/rampart/pkg/metrics"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// ExecutionRegistry is the subset of WorkerPool used by Worker for
// cancellation registration.
type ExecutionRegistry interface {
	RegisterExecution(executionID string, cancel context.CancelFunc)
	UnregisterExecution(executionID string)
}

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	podID    string
	repo     *Repo
	config   *config.QueueConfig
	executor Executor
	pool     ExecutionRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  int64
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, repo *Repo, cfg *config.QueueConfig, executor Executor, pool ExecutionRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		repo:         repo,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its
// current job. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims a job, runs the executor under a timeout and a
// registered cancel function, and settles the terminal job status.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.repo.ClaimNext(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "execution_id", job.ExecutionID, "worker_id", w.id,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	log.Info("Job claimed")

	w.setStatus(WorkerStatusWorking, job.ID)
	metrics.ActiveWorkers.Inc()
	defer func() {
		w.setStatus(WorkerStatusIdle, 0)
		metrics.ActiveWorkers.Dec()
	}()

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	// Register cancel function for API-triggered cancellation.
	w.pool.RegisterExecution(job.ExecutionID, cancelJob)
	defer w.pool.UnregisterExecution(job.ExecutionID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	go w.runHeartbeat(heartbeatCtx, job.ID)

	execErr := w.executor.Execute(jobCtx, job)

	cancelHeartbeat()

	// Settle with a background context; the job context may be gone.
	settleCtx, cancelSettle := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSettle()

	if err := w.settle(settleCtx, job, jobCtx, execErr); err != nil {
		log.Error("Failed to settle job", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete")
	return nil
}

// settlement is the terminal job transition chosen for an executor
// outcome.
type settlement int

const (
	settleComplete settlement = iota
	settleFail
	settleRetry
)

// classify maps the executor outcome and the job context state onto a
// settlement. Only an actual cancellation of the job context completes
// the job; hitting the job timeout counts as a failure so the retry
// policy applies.
func classify(job *Job, jobCtxErr, execErr error) settlement {
	switch {
	case execErr == nil:
		return settleComplete

	case errors.Is(execErr, context.Canceled) && errors.Is(jobCtxErr, context.Canceled):
		// API-triggered cancellation; the executor already recorded the
		// cancelled execution status.
		return settleComplete

	case errors.Is(execErr, ErrPermanent):
		return settleFail

	case job.Attempts >= job.MaxAttempts:
		return settleFail

	default:
		return settleRetry
	}
}

// settle applies the classified outcome to the job row: completed jobs
// and cancellations finish, permanent errors and exhausted attempts
// fail, anything else is retried with exponential backoff.
func (w *Worker) settle(ctx context.Context, job *Job, jobCtx context.Context, execErr error) error {
	switch classify(job, jobCtx.Err(), execErr) {
	case settleComplete:
		return w.repo.Complete(ctx, job.ID)

	case settleFail:
		if errors.Is(execErr, ErrPermanent) {
			return w.repo.Fail(ctx, job.ID, execErr.Error())
		}
		return w.repo.Fail(ctx, job.ID,
			fmt.Sprintf("attempts exhausted (%d/%d): %v", job.Attempts, job.MaxAttempts, execErr))

	default:
		delay := Backoff(w.config.BackoffInitial, job.Attempts)
		slog.Warn("Job failed, scheduling redelivery",
			"job_id", job.ID, "delay", delay, "error", execErr)
		return w.repo.Retry(ctx, job.ID, delay, execErr.Error())
	}
}

// runHeartbeat periodically refreshes the job's liveness marker for
// orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID int64) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
