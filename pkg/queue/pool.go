package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rampartsec/rampart/pkg/config"
)

// WorkerPool manages a pool of queue workers plus the shared orphan
// detection loop.
type WorkerPool struct {
	podID    string
	repo     *Repo
	config   *config.QueueConfig
	executor Executor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Execution cancel registry: execution_id → cancel function
	activeExecutions map[string]context.CancelFunc
	mu               sync.RWMutex
	started          bool

	// Orphan detection state
	orphans orphanState
}

type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, repo *Repo, cfg *config.QueueConfig, executor Executor) *WorkerPool {
	return &WorkerPool{
		podID:            podID,
		repo:             repo,
		config:           cfg,
		executor:         executor,
		workers:          make([]*Worker, 0, cfg.WorkerCount),
		stopCh:           make(chan struct{}),
		activeExecutions: make(map[string]context.CancelFunc),
	}
}

// Start recovers this pod's startup orphans, then spawns the worker
// goroutines and the orphan detection loop. Safe to call more than
// once; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	if n, err := p.repo.RequeueStartupOrphans(ctx, p.podID); err != nil {
		slog.Error("Startup orphan recovery failed", "error", err)
	} else if n > 0 {
		slog.Warn("Recovered startup orphans from previous run", "pod_id", p.podID, "count", n)
	}

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.repo, p.config, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// in-flight jobs (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeExecutionIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active executions to complete",
			"count", len(active), "execution_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterExecution stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterExecution(executionID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeExecutions[executionID] = cancel
}

// UnregisterExecution removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterExecution(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeExecutions, executionID)
}

// CancelExecution triggers context cancellation for an execution held by
// this pod. Returns true when it was found and cancelled here.
func (p *WorkerPool) CancelExecution(executionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeExecutions[executionID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queueDepth, errQ := p.repo.Depth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check", "pod_id", p.podID, "error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && errQ == nil,
		DBReachable:      errQ == nil,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

func (p *WorkerPool) activeExecutionIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeExecutions))
	for id := range p.activeExecutions {
		ids = append(ids, id)
	}
	return ids
}

// runOrphanDetection periodically requeues jobs whose worker stopped
// heartbeating and trims terminal job history to the retention bounds.
// All pods run this independently; both statements are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.detectAndRecoverOrphans(ctx)
			p.trimHistory(ctx)
		}
	}
}

func (p *WorkerPool) trimHistory(ctx context.Context) {
	trimmed, err := p.repo.TrimHistory(ctx, p.config.KeepCompleted, p.config.KeepFailed)
	if err != nil {
		slog.Error("Job history trim failed", "error", err)
		return
	}
	if trimmed > 0 {
		slog.Info("Trimmed terminal job history", "removed", trimmed)
	}
}

func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	requeued, failed, err := p.repo.RequeueOrphans(ctx, threshold)
	if err != nil {
		slog.Error("Orphan detection failed", "error", err)
		return
	}
	if len(requeued)+len(failed) > 0 {
		slog.Warn("Recovered orphaned jobs",
			"requeued", requeued, "failed", failed)
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += len(requeued) + len(failed)
	p.orphans.mu.Unlock()
}
