package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rampartsec/rampart/pkg/config"
)

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             5,
		MaxAttempts:             3,
		BackoffInitial:          2 * time.Second,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              15 * time.Minute,
		GracefulShutdownTimeout: 15 * time.Minute,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
	}
}

func TestWorkerPollInterval(t *testing.T) {
	cfg := testQueueConfig()
	w := NewWorker("test-worker", "test-pod", nil, cfg, nil, nil)

	// Poll interval should be within [base - jitter, base + jitter]
	for range 100 {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond, "poll interval below minimum")
		assert.LessOrEqual(t, d, 1500*time.Millisecond, "poll interval above maximum")
	}
}

func TestWorkerPollIntervalNoJitter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollIntervalJitter = 0
	w := NewWorker("test-worker", "test-pod", nil, cfg, nil, nil)

	for range 10 {
		assert.Equal(t, 1*time.Second, w.pollInterval())
	}
}

func TestWorkerHealth(t *testing.T) {
	cfg := testQueueConfig()
	w := NewWorker("worker-1", "pod-1", nil, cfg, nil, nil)

	h := w.Health()
	assert.Equal(t, "worker-1", h.ID)
	assert.Equal(t, "idle", h.Status)
	assert.Zero(t, h.CurrentJobID)
	assert.Equal(t, 0, h.JobsProcessed)

	w.setStatus(WorkerStatusWorking, 42)
	h = w.Health()
	assert.Equal(t, "working", h.Status)
	assert.Equal(t, int64(42), h.CurrentJobID)

	w.setStatus(WorkerStatusIdle, 0)
	h = w.Health()
	assert.Equal(t, "idle", h.Status)
	assert.Zero(t, h.CurrentJobID)
}

func TestClassifySettlement(t *testing.T) {
	job := &Job{ID: 1, Attempts: 1, MaxAttempts: 3}
	exhausted := &Job{ID: 2, Attempts: 3, MaxAttempts: 3}

	tests := []struct {
		name     string
		job      *Job
		ctxErr   error
		execErr  error
		expected settlement
	}{
		{"success", job, nil, nil, settleComplete},
		{"cancelled job context", job, context.Canceled,
			context.Canceled, settleComplete},
		{"job timeout retries", job, context.DeadlineExceeded,
			fmt.Errorf("job timeout exceeded: %w", context.DeadlineExceeded), settleRetry},
		{"job timeout with attempts exhausted", exhausted, context.DeadlineExceeded,
			fmt.Errorf("job timeout exceeded: %w", context.DeadlineExceeded), settleFail},
		{"permanent error", job, nil, ErrPermanent, settleFail},
		{"transient error retries", job, nil, errors.New("upstream 503"), settleRetry},
		{"transient error with attempts exhausted", exhausted, nil,
			errors.New("upstream 503"), settleFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classify(tt.job, tt.ctxErr, tt.execErr))
		})
	}
}

func TestBackoffSchedule(t *testing.T) {
	initial := 2 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(initial, 1))
	assert.Equal(t, 4*time.Second, Backoff(initial, 2))
	assert.Equal(t, 8*time.Second, Backoff(initial, 3))

	// Attempts below 1 clamp to the initial delay.
	assert.Equal(t, 2*time.Second, Backoff(initial, 0))
}
