// Package executor interprets playbook definitions: it drives the step
// list against a live ExecutionState, applying conditions, templates,
// per-step retries and onError policies. One executor instance serves
// the whole worker pool; each Execute call owns its state exclusively.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rampartsec/rampart/pkg/actions"
	"github.com/rampartsec/rampart/pkg/config"
	"github.com/rampartsec/rampart/pkg/events"
	"github.com/rampartsec/rampart/pkg/expr"
	"github.com/rampartsec/rampart/pkg/metrics"
	"github.com/rampartsec/rampart/pkg/models"
	"github.com/rampartsec/rampart/pkg/queue"
	"github.com/rampartsec/rampart/pkg/store"
	"github.com/rampartsec/rampart/pkg/template"
)

// stepBackoffBase is the delay before the first step retry; doubled per
// further retry up to the configured cap.
const stepBackoffBase = time.Second

// EventSink is the slice of the live channel the executor publishes to.
// Delivery is fire-and-forget and never blocks the step loop.
type EventSink interface {
	PublishExecutionStatus(ctx context.Context, payload events.ExecutionStatusPayload) error
	PublishStepStatus(ctx context.Context, payload events.StepStatusPayload) error
	PublishProgress(ctx context.Context, payload events.ExecutionProgressPayload) error
	PublishLog(ctx context.Context, payload events.ExecutionLogPayload) error
	PublishTestTrigger(ctx context.Context, payload events.TestTriggerPayload) error
}

// Executor implements queue.Executor.
type Executor struct {
	store    store.Store
	registry *actions.Registry
	sink     EventSink
	cfg      config.ExecutorConfig

	keepCompleted int
	keepFailed    int

	// sleep is swappable so retry tests run without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ queue.Executor = (*Executor)(nil)

// New wires an executor against the store, the action registry and the
// live event sink. sink may be nil (events are then dropped).
func New(st store.Store, registry *actions.Registry, sink EventSink, cfg *config.Config) *Executor {
	return &Executor{
		store:         st,
		registry:      registry,
		sink:          sink,
		cfg:           cfg.Executor,
		keepCompleted: cfg.Queue.KeepCompleted,
		keepFailed:    cfg.Queue.KeepFailed,
		sleep:         ctxSleep,
	}
}

// run is the per-execution interpreter state. Owned by a single
// goroutine for the lifetime of the execution.
type run struct {
	exec      *models.Execution
	registry  *actions.Registry
	state     *models.ExecutionState
	dryRun    bool
	total     int
	completed int
	start     time.Time
}

// Execute runs one claimed job end to end. Error classification follows
// the queue contract: nil completes, context.Canceled records a
// cancellation, a job deadline records a failed execution and leaves
// redelivery to the queue, queue.ErrPermanent fails terminally,
// anything else is redelivered.
func (e *Executor) Execute(ctx context.Context, job *queue.Job) error {
	exec, err := e.store.GetExecutionByID(ctx, job.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("execution %s does not exist: %w", job.ExecutionID, queue.ErrPermanent)
	}
	if err != nil {
		return err
	}

	switch exec.Status {
	case models.ExecutionStatusCompleted, models.ExecutionStatusCancelled, models.ExecutionStatusAborted:
		// Redelivered after already reaching a terminal state (orphan
		// recovery race); nothing left to do.
		slog.Info("Skipping job for terminal execution",
			"execution_id", exec.ID, "status", exec.Status)
		return nil
	case models.ExecutionStatusFailed:
		// Queue-level retry of a failed execution.
		exec.Status = models.ExecutionStatusRunning
		exec.Error = ""
	}

	pb, err := e.store.GetPlaybook(ctx, exec.OrganizationID, exec.PlaybookID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("playbook %d not found for organization %d: %w",
				exec.PlaybookID, exec.OrganizationID, queue.ErrPermanent)
		} else if errors.Is(err, models.ErrInvalidDefinition) {
			err = fmt.Errorf("playbook %d: %v: %w", exec.PlaybookID, err, queue.ErrPermanent)
		}
		if errors.Is(err, queue.ErrPermanent) {
			e.finishPreflightFailure(exec, err)
		}
		return err
	}

	r := &run{
		exec:     exec,
		registry: e.registry,
		state:    models.NewExecutionState(models.DeepCopyMap(exec.TriggerData)),
		total:    models.CountSteps(pb.Definition.Steps),
		start:    time.Now(),
	}

	e.audit(ctx, r, "playbook.started", models.AuditSeverityInfo, map[string]any{
		"playbook_id": pb.ID,
		"attempt":     job.Attempts,
	})
	e.publishExecutionStatus(ctx, r, events.EventTypeExecutionStarted, 0, "")

	runErr := e.runSteps(ctx, r, pb.Definition.Steps)
	return e.finish(r, runErr)
}

// DryRun executes a playbook against the mock registry: no external
// side effects, no execution row, deterministic action results. Audit
// entries are tagged as test runs and the outcome stays off the
// ordinary execution stream. The returned snapshot includes full
// variable values.
func (e *Executor) DryRun(ctx context.Context, orgID, playbookID int64, userID *int64, triggerData map[string]any) (*models.StateSnapshot, error) {
	pb, err := e.store.GetPlaybook(ctx, orgID, playbookID)
	if err != nil {
		return nil, err
	}

	exec := &models.Execution{
		ID:             uuid.New().String(),
		PlaybookID:     pb.ID,
		OrganizationID: orgID,
		UserID:         userID,
		TriggerData:    triggerData,
		Status:         models.ExecutionStatusRunning,
		StartedAt:      time.Now(),
	}
	r := &run{
		exec:     exec,
		registry: actions.NewMockRegistry(e.registry),
		state:    models.NewExecutionState(models.DeepCopyMap(triggerData)),
		dryRun:   true,
		total:    models.CountSteps(pb.Definition.Steps),
		start:    time.Now(),
	}

	e.audit(ctx, r, "test.trigger.started", models.AuditSeverityInfo, map[string]any{
		"playbook_id": pb.ID,
	})
	if e.sink != nil && userID != nil {
		payload := events.TestTriggerPayload{
			BasePayload: basePayload(events.EventTypeTestTrigger, exec),
			PlaybookID:  pb.ID,
			UserID:      *userID,
		}
		if err := e.sink.PublishTestTrigger(ctx, payload); err != nil {
			slog.Warn("Failed to publish test trigger event", "error", err)
		}
	}

	runErr := e.runSteps(ctx, r, pb.Definition.Steps)
	snap := r.state.Snapshot(true)

	if runErr != nil {
		e.audit(ctx, r, "test.trigger.failed", models.AuditSeverityWarning, map[string]any{
			"playbook_id": pb.ID,
			"error":       runErr.Error(),
		})
		return snap, runErr
	}
	e.audit(ctx, r, "test.trigger.completed", models.AuditSeverityInfo, map[string]any{
		"playbook_id": pb.ID,
	})
	return snap, nil
}

// finish records the terminal execution state and maps the step-loop
// outcome onto the queue contract.
func (e *Executor) finish(r *run, runErr error) error {
	now := time.Now()
	exec := r.exec
	// Duration spans from the persisted start, so queue retries count
	// the time since the execution was triggered.
	duration := now.Sub(exec.StartedAt).Milliseconds()
	exec.CompletedAt = &now
	exec.DurationMs = &duration
	exec.Results = r.state.Snapshot(false)

	var (
		eventType string
		action    string
		severity  models.AuditSeverity
	)
	switch {
	case runErr == nil:
		exec.Status = models.ExecutionStatusCompleted
		eventType = events.EventTypeExecutionCompleted
		action = "playbook.completed"
		severity = models.AuditSeverityInfo
	case errors.Is(runErr, context.Canceled):
		exec.Status = models.ExecutionStatusCancelled
		exec.Error = "cancelled"
		eventType = events.EventTypeExecutionFailed
		action = "playbook.cancelled"
		severity = models.AuditSeverityWarning
		runErr = context.Canceled
	case errors.Is(runErr, queue.ErrPermanent):
		exec.Error = runErr.Error()
		eventType = events.EventTypeExecutionFailed
		if errors.Is(runErr, actions.ErrInvalidParams) || errors.Is(runErr, actions.ErrNotFound) {
			// Validation failures are permanent but not security
			// events; they record as ordinary failures.
			exec.Status = models.ExecutionStatusFailed
			action = "playbook.failed"
			severity = models.AuditSeverityError
		} else {
			exec.Status = models.ExecutionStatusAborted
			action = "playbook.aborted"
			severity = models.AuditSeverityCritical
		}
	default:
		exec.Status = models.ExecutionStatusFailed
		exec.Error = runErr.Error()
		eventType = events.EventTypeExecutionFailed
		action = "playbook.failed"
		severity = models.AuditSeverityError
	}

	// The job context may already be cancelled; terminal writes get
	// their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.FinishExecution(ctx, exec); err != nil {
		slog.Error("Failed to persist execution result",
			"execution_id", exec.ID, "status", exec.Status, "error", err)
		if runErr == nil {
			return err
		}
		return runErr
	}
	if _, err := e.store.TrimExecutions(ctx, exec.OrganizationID, e.keepCompleted, e.keepFailed); err != nil {
		slog.Warn("Failed to trim execution history",
			"organization_id", exec.OrganizationID, "error", err)
	}

	details := map[string]any{
		"playbook_id": exec.PlaybookID,
		"duration_ms": duration,
	}
	if exec.Error != "" {
		details["error"] = exec.Error
	}
	e.audit(ctx, r, action, severity, details)
	e.publishExecutionStatus(ctx, r, eventType, duration, exec.Error)
	metrics.RecordExecutionFinished(string(exec.Status), now.Sub(r.start))

	return runErr
}

// finishPreflightFailure marks an execution that never started its step
// loop (missing or invalid playbook) as aborted.
func (e *Executor) finishPreflightFailure(exec *models.Execution, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	exec.Status = models.ExecutionStatusAborted
	exec.CompletedAt = &now
	exec.Error = cause.Error()
	if err := e.store.FinishExecution(ctx, exec); err != nil {
		slog.Error("Failed to record preflight failure",
			"execution_id", exec.ID, "error", err)
	}
	r := &run{exec: exec}
	e.audit(ctx, r, "playbook.aborted", models.AuditSeverityError, map[string]any{
		"playbook_id": exec.PlaybookID,
		"error":       cause.Error(),
	})
	e.publishExecutionStatus(ctx, r, events.EventTypeExecutionFailed, 0, exec.Error)
}

// runSteps executes a step list in order. Cancellation is observed
// between steps only; an in-flight action finishes (or times out) and
// its result is discarded.
func (e *Executor) runSteps(ctx context.Context, r *run, steps []models.Step) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// Queue-level job timeout, not a cancellation.
				return fmt.Errorf("job timeout exceeded: %w", err)
			}
			return context.Canceled
		}
		if err := e.runStep(ctx, r, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, r *run, step *models.Step) error {
	state := r.state

	if step.Condition != "" {
		ok, err := expr.EvalString(step.Condition, state.Variables)
		if err != nil {
			// Malformed conditions fail closed.
			e.logLine(ctx, r, "warning",
				fmt.Sprintf("condition %q is malformed: %v", step.Condition, err), step.ID)
			ok = false
		}
		if !ok {
			e.recordSkipped(ctx, r, step)
			return nil
		}
	}

	state.PushCheckpoint(step.ID, time.Now(), e.cfg.CheckpointRetention)

	params := template.RenderMap(step.Params, state.Variables)

	now := time.Now()
	ss := &models.StepState{Status: models.StepStatusRunning, StartTime: now}
	state.Steps[step.ID] = ss
	state.StepOrder = append(state.StepOrder, step.ID)
	state.CurrentStepID = step.ID
	e.publishStep(ctx, r, step, ss)

	result, runErr := e.attemptWithRetries(ctx, r, step, params, ss)

	if errors.Is(runErr, context.Canceled) {
		// Cancelled mid-step: the in-flight result is discarded.
		return context.Canceled
	}
	if errors.Is(runErr, context.DeadlineExceeded) {
		// Job timeout mid-step: discard the result and fail the
		// execution so the queue's retry policy takes over.
		return runErr
	}

	end := time.Now()
	ss.EndTime = &end
	stepsVars, _ := state.Variables["steps"].(map[string]any)

	if !r.dryRun {
		status := models.StepStatusCompleted
		if runErr != nil {
			status = models.StepStatusFailed
		}
		metrics.RecordStep(step.ActionID, string(status), end.Sub(now))
	}

	if runErr == nil {
		ss.Status = models.StepStatusCompleted
		ss.Output = result.Data
		if stepsVars != nil {
			stepsVars[step.ID] = map[string]any{
				"success": true,
				"data":    result.Data,
				"message": result.Message,
			}
		}
		for k, v := range result.Data {
			state.Variables[k] = v
		}
		r.completed++
		e.publishStep(ctx, r, step, ss)
		e.publishProgress(ctx, r)

		if len(step.Then) > 0 {
			return e.runSteps(ctx, r, step.Then)
		}
		return nil
	}

	ss.Status = models.StepStatusFailed
	ss.Error = runErr.Error()
	if stepsVars != nil {
		stepsVars[step.ID] = map[string]any{
			"success": false,
			"error":   runErr.Error(),
		}
	}
	r.completed++
	e.publishStep(ctx, r, step, ss)
	e.publishProgress(ctx, r)

	if errors.Is(runErr, actions.ErrPermissionDenied) {
		// A denial aborts the execution regardless of onError; retrying
		// will not change the answer.
		e.audit(ctx, r, "step.denied", models.AuditSeverityCritical, map[string]any{
			"step_id":   step.ID,
			"action_id": step.ActionID,
		})
		return fmt.Errorf("step %q: insufficient_permissions: %w", step.ID, queue.ErrPermanent)
	}

	if errors.Is(runErr, actions.ErrInvalidParams) || errors.Is(runErr, actions.ErrNotFound) {
		// A definition problem: the execution fails immediately,
		// bypassing onError, and no retry at any level can fix it.
		e.audit(ctx, r, "step.validation_failed", models.AuditSeverityError, map[string]any{
			"step_id":   step.ID,
			"action_id": step.ActionID,
			"error":     runErr.Error(),
		})
		return fmt.Errorf("step %q: %w: %w", step.ID, runErr, queue.ErrPermanent)
	}

	e.audit(ctx, r, "step.failed", models.AuditSeverityError, map[string]any{
		"step_id":   step.ID,
		"action_id": step.ActionID,
		"attempts":  ss.Attempts,
		"error":     runErr.Error(),
	})

	switch step.OnError {
	case models.OnErrorContinue:
		e.logLine(ctx, r, "warning",
			fmt.Sprintf("step %q failed, continuing: %v", step.ID, runErr), step.ID)
		if len(step.Else) > 0 {
			return e.runSteps(ctx, r, step.Else)
		}
		return nil

	case models.OnErrorRollback:
		if r.state.Rollback(step.ID) {
			e.logLine(ctx, r, "warning",
				fmt.Sprintf("step %q failed, variables rolled back to checkpoint", step.ID), step.ID)
		} else {
			e.logLine(ctx, r, "warning",
				fmt.Sprintf("step %q failed, no checkpoint to roll back to", step.ID), step.ID)
		}
		return fmt.Errorf("step %q failed after rollback: %w", step.ID, runErr)

	default: // abort and retry both propagate; the queue owns recovery
		return fmt.Errorf("step %q failed: %w", step.ID, runErr)
	}
}

// attemptWithRetries invokes the action up to retries+1 times. Backoff
// between attempt k and k+1 is stepBackoffBase×2^(k-1) capped at the
// configured limit. Permission denials and schema validation failures
// never retry.
func (e *Executor) attemptWithRetries(ctx context.Context, r *run, step *models.Step, params map[string]any, ss *models.StepState) (*actions.Result, error) {
	maxAttempts := step.Retries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ss.Attempts = attempt
		ss.Status = models.StepStatusRunning

		result, err := e.invoke(ctx, r, step, params)
		switch {
		case ctx.Err() != nil:
			// The job context ended while the action ran; its result is
			// discarded. A deadline means the queue-level job timeout.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("job timeout exceeded: %w", ctx.Err())
			}
			return nil, context.Canceled
		case err == nil && result != nil && result.Success:
			return result, nil
		case errors.Is(err, actions.ErrPermissionDenied),
			errors.Is(err, actions.ErrInvalidParams),
			errors.Is(err, actions.ErrNotFound):
			return nil, err
		case err != nil:
			lastErr = err
		default:
			lastErr = errors.New(failureMessage(result))
		}

		if attempt < maxAttempts {
			ss.Status = models.StepStatusRetrying
			e.publishStep(ctx, r, step, ss)
			delay := stepBackoff(attempt, e.cfg.StepRetryCap)
			e.logLine(ctx, r, "warning",
				fmt.Sprintf("step %q attempt %d failed, retrying in %s: %v",
					step.ID, attempt, delay, lastErr), step.ID)
			if err := e.sleep(ctx, delay); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return nil, fmt.Errorf("job timeout exceeded: %w", err)
				}
				return nil, context.Canceled
			}
		}
	}
	return nil, lastErr
}

// invoke runs one attempt under the step timeout.
func (e *Executor) invoke(ctx context.Context, r *run, step *models.Step, params map[string]any) (*actions.Result, error) {
	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.cfg.StepTimeoutDefault
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := actions.Invocation{
		PlaybookID:     r.exec.PlaybookID,
		ExecutionID:    r.exec.ID,
		StepID:         step.ID,
		OrganizationID: r.exec.OrganizationID,
		UserID:         r.exec.UserID,
		Variables:      r.state.Variables,
		Log: func(level, message string) {
			e.logLine(ctx, r, level, message, step.ID)
		},
	}

	result, err := r.registry.Execute(stepCtx, step.ActionID, params, inv)
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("step %q timed out after %s", step.ID, timeout)
	}
	return result, err
}

func (e *Executor) recordSkipped(ctx context.Context, r *run, step *models.Step) {
	now := time.Now()
	ss := &models.StepState{Status: models.StepStatusSkipped, StartTime: now, EndTime: &now}
	r.state.Steps[step.ID] = ss
	r.state.StepOrder = append(r.state.StepOrder, step.ID)
	r.completed++
	e.publishStep(ctx, r, step, ss)
	e.publishProgress(ctx, r)
}

func failureMessage(result *actions.Result) string {
	if result == nil {
		return "action returned no result"
	}
	if result.Error != "" {
		return result.Error
	}
	if result.Message != "" {
		return result.Message
	}
	return "action reported failure"
}

// stepBackoff returns the delay after attempt k.
func stepBackoff(attempt int, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := stepBackoffBase << (attempt - 1)
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func basePayload(eventType string, exec *models.Execution) events.BasePayload {
	return events.BasePayload{
		Type:           eventType,
		ExecutionID:    exec.ID,
		OrganizationID: exec.OrganizationID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (e *Executor) publishExecutionStatus(ctx context.Context, r *run, eventType string, durationMs int64, errMsg string) {
	if e.sink == nil || r.dryRun {
		return
	}
	payload := events.ExecutionStatusPayload{
		BasePayload: basePayload(eventType, r.exec),
		PlaybookID:  r.exec.PlaybookID,
		Status:      r.exec.Status,
		DurationMs:  durationMs,
		Error:       errMsg,
	}
	if err := e.sink.PublishExecutionStatus(ctx, payload); err != nil {
		slog.Warn("Failed to publish execution status",
			"execution_id", r.exec.ID, "type", eventType, "error", err)
	}
}

func (e *Executor) publishStep(ctx context.Context, r *run, step *models.Step, ss *models.StepState) {
	if e.sink == nil || r.dryRun {
		return
	}
	var eventType string
	switch ss.Status {
	case models.StepStatusRunning:
		eventType = events.EventTypeStepStarted
	case models.StepStatusCompleted:
		eventType = events.EventTypeStepCompleted
	case models.StepStatusFailed:
		eventType = events.EventTypeStepFailed
	default:
		eventType = events.EventTypeStepUpdate
	}
	payload := events.StepStatusPayload{
		BasePayload: basePayload(eventType, r.exec),
		StepID:      step.ID,
		ActionID:    step.ActionID,
		Status:      ss.Status,
		Attempts:    ss.Attempts,
		Error:       ss.Error,
	}
	if ss.EndTime != nil {
		payload.DurationMs = ss.EndTime.Sub(ss.StartTime).Milliseconds()
	}
	if err := e.sink.PublishStepStatus(ctx, payload); err != nil {
		slog.Warn("Failed to publish step status",
			"execution_id", r.exec.ID, "step_id", step.ID, "error", err)
	}
}

func (e *Executor) publishProgress(ctx context.Context, r *run) {
	if e.sink == nil || r.dryRun || r.total == 0 {
		return
	}
	payload := events.ExecutionProgressPayload{
		BasePayload:    basePayload(events.EventTypeExecutionProgress, r.exec),
		Percent:        r.completed * 100 / r.total,
		StepsCompleted: r.completed,
		StepsTotal:     r.total,
	}
	if err := e.sink.PublishProgress(ctx, payload); err != nil {
		slog.Warn("Failed to publish progress",
			"execution_id", r.exec.ID, "error", err)
	}
}

// logLine appends to the execution log and mirrors the line to the live
// channel.
func (e *Executor) logLine(ctx context.Context, r *run, level, message, stepID string) {
	r.state.AppendLog(level, message, stepID, time.Now())
	if e.sink == nil || r.dryRun {
		return
	}
	payload := events.ExecutionLogPayload{
		BasePayload: basePayload(events.EventTypeExecutionLog, r.exec),
		Level:       level,
		Message:     message,
		StepID:      stepID,
	}
	if err := e.sink.PublishLog(ctx, payload); err != nil {
		slog.Warn("Failed to publish execution log line",
			"execution_id", r.exec.ID, "error", err)
	}
}

func (e *Executor) audit(ctx context.Context, r *run, action string, severity models.AuditSeverity, details map[string]any) {
	entityType := models.AuditEntityExecution
	source := models.AuditSourceSystem
	if r.dryRun {
		entityType = models.AuditEntityTest
	}
	if r.exec.UserID != nil {
		source = models.AuditSourceUser
	}
	entry := &models.AuditEntry{
		Timestamp:      time.Now(),
		EntityType:     entityType,
		EntityID:       r.exec.ID,
		Action:         action,
		UserID:         r.exec.UserID,
		OrganizationID: r.exec.OrganizationID,
		Details:        details,
		Severity:       severity,
		Source:         source,
	}
	if err := e.store.AppendAuditLog(ctx, entry); err != nil {
		slog.Error("Failed to append audit entry",
			"execution_id", r.exec.ID, "action", action, "error", err)
	}
}
