package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repo holds the job-table SQL used by workers and the API.
type Repo struct {
	db *sql.DB
}

// NewRepo wraps an open connection pool.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Enqueue inserts a pending job for an execution. Higher priority jobs
// are claimed first; equal priorities run FIFO.
func (r *Repo) Enqueue(ctx context.Context, executionID string, priority, maxAttempts int) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO playbook_jobs (execution_id, priority, max_attempts)
		VALUES ($1, $2, $3)
		RETURNING id`,
		executionID, priority, maxAttempts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job for execution %s: %w", executionID, err)
	}
	return id, nil
}

// ClaimNext atomically claims the next runnable job using
// FOR UPDATE SKIP LOCKED. Jobs waiting on a retry backoff (next_run_at
// in the future) are not eligible.
func (r *Repo) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job Job
	err = tx.QueryRowContext(ctx, `
		SELECT id, execution_id, priority, attempts, max_attempts, created_at
		FROM playbook_jobs
		WHERE status = 'pending' AND next_run_at <= now()
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&job.ID, &job.ExecutionID, &job.Priority, &job.Attempts, &job.MaxAttempts, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE playbook_jobs
		SET status = 'running', claimed_by = $1, claimed_at = now(),
		    last_heartbeat = now(), attempts = attempts + 1, updated_at = now()
		WHERE id = $2`,
		workerID, job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	job.Status = JobStatusRunning
	job.ClaimedBy = workerID
	job.Attempts++
	return &job, nil
}

// Heartbeat refreshes a running job's liveness marker.
func (r *Repo) Heartbeat(ctx context.Context, jobID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE playbook_jobs SET last_heartbeat = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		jobID,
	)
	return err
}

// Complete marks a job done.
func (r *Repo) Complete(ctx context.Context, jobID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE playbook_jobs SET status = 'completed', updated_at = now()
		WHERE id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}
	return nil
}

// Retry requeues a failed job with the given backoff delay.
func (r *Repo) Retry(ctx context.Context, jobID int64, delay time.Duration, cause string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE playbook_jobs
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
		    next_run_at = now() + $1::interval, last_error = $2, updated_at = now()
		WHERE id = $3`,
		fmt.Sprintf("%d milliseconds", delay.Milliseconds()), cause, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for job %d: %w", jobID, err)
	}
	return nil
}

// Fail marks a job terminally failed.
func (r *Repo) Fail(ctx context.Context, jobID int64, cause string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE playbook_jobs
		SET status = 'failed', last_error = $1, updated_at = now()
		WHERE id = $2`,
		cause, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", jobID, err)
	}
	return nil
}

// Depth counts runnable jobs, for health checks and gauges.
func (r *Repo) Depth(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM playbook_jobs WHERE status = 'pending'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	return n, nil
}

// RequeueOrphans returns running jobs with stale heartbeats to the
// pending state for redelivery. Jobs already out of attempts are failed
// instead. Returns the ids requeued or failed.
func (r *Repo) RequeueOrphans(ctx context.Context, threshold time.Time) (requeued, failed []int64, err error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE playbook_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    claimed_by = NULL, claimed_at = NULL,
		    last_error = 'orphaned: worker heartbeat stale', updated_at = now()
		WHERE status = 'running' AND last_heartbeat < $1
		RETURNING id, status`,
		threshold,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     int64
			status JobStatus
		)
		if err := rows.Scan(&id, &status); err != nil {
			return requeued, failed, fmt.Errorf("failed to scan orphan row: %w", err)
		}
		if status == JobStatusFailed {
			failed = append(failed, id)
		} else {
			requeued = append(requeued, id)
		}
	}
	return requeued, failed, rows.Err()
}

// RequeueStartupOrphans recovers jobs this pod was running when it last
// crashed. Called once on startup, before workers begin claiming.
func (r *Repo) RequeueStartupOrphans(ctx context.Context, podID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE playbook_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    claimed_by = NULL, claimed_at = NULL,
		    last_error = 'orphaned: pod restarted mid-job', updated_at = now()
		WHERE status = 'running' AND claimed_by LIKE $1`,
		podID+"-%",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue startup orphans: %w", err)
	}
	return res.RowsAffected()
}

// TrimHistory deletes completed and failed jobs beyond the newest
// keepCompleted/keepFailed rows. The queue keeps a bounded history;
// durable execution records live in playbook_executions.
func (r *Repo) TrimHistory(ctx context.Context, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	for _, class := range []struct {
		status JobStatus
		keep   int
	}{
		{JobStatusCompleted, keepCompleted},
		{JobStatusFailed, keepFailed},
	} {
		if class.keep < 0 {
			continue
		}
		res, err := r.db.ExecContext(ctx, `
			DELETE FROM playbook_jobs
			WHERE status = $1 AND id NOT IN (
				SELECT id FROM playbook_jobs
				WHERE status = $1
				ORDER BY updated_at DESC
				LIMIT $2
			)`,
			class.status, class.keep,
		)
		if err != nil {
			return total, fmt.Errorf("failed to trim %s jobs: %w", class.status, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to count trimmed %s jobs: %w", class.status, err)
		}
		total += n
	}
	return total, nil
}

// Backoff returns the redelivery delay before attempt n+1 (n = attempts
// already made): initial, 2×initial, 4×initial, ...
func Backoff(initial time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return initial << (attempts - 1)
}
