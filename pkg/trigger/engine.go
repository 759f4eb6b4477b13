// Package trigger turns security events into playbook executions: it
// consumes the durable event stream under a consumer group, evaluates
// binding predicates and playbook trigger filters, and enqueues a job
// per match. Delivery is at-least-once; launches are deduplicated with
// a deterministic execution ID per (event, binding) pair.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rampartsec/rampart/pkg/config"
	"github.com/rampartsec/rampart/pkg/expr"
	"github.com/rampartsec/rampart/pkg/metrics"
	"github.com/rampartsec/rampart/pkg/models"
	"github.com/rampartsec/rampart/pkg/store"
	"github.com/rampartsec/rampart/pkg/stream"
)

// readBatch bounds how many entries one consumer takes per read.
const readBatch = 16

// executionNamespace seeds the deterministic execution IDs used for
// launch deduplication across stream redeliveries.
var executionNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// JobQueue is the enqueue surface of the execution job queue.
type JobQueue interface {
	Enqueue(ctx context.Context, executionID string, priority, maxAttempts int) (int64, error)
}

// Engine runs the trigger consumers and the pending-entry reclaimer.
type Engine struct {
	stream *stream.Stream
	store  store.Store
	jobs   JobQueue
	cfg    config.TriggerConfig
	podID  string

	// maxAttempts travels onto every enqueued job.
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewEngine wires a trigger engine. podID namespaces the consumer names
// within the shared group.
func NewEngine(s *stream.Stream, st store.Store, jobs JobQueue, cfg *config.Config, podID string) *Engine {
	return &Engine{
		stream:      s,
		store:       st,
		jobs:        jobs,
		cfg:         cfg.Trigger,
		maxAttempts: cfg.Queue.MaxAttempts,
		podID:       podID,
		logger:      slog.With("component", "trigger"),
	}
}

// Start launches the consumer goroutines and the reclaim loop.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.cfg.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-consumer-%d", e.podID, i)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runConsumer(runCtx, consumer)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runReclaimer(runCtx)
	}()

	e.logger.Info("Trigger engine started", "consumers", e.cfg.Concurrency)
}

// Stop signals all loops and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Trigger engine stopped")
}

func (e *Engine) runConsumer(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		msgs, err := e.stream.Read(ctx, consumer, readBatch, e.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Stream read failed", "consumer", consumer, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		e.process(ctx, msgs)
	}
}

// runReclaimer periodically takes over entries other consumers left
// pending past the idle threshold and reprocesses them.
func (e *Engine) runReclaimer(ctx context.Context) {
	if e.cfg.ReclaimInterval <= 0 {
		return
	}
	consumer := e.podID + "-reclaimer"
	ticker := time.NewTicker(e.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := e.stream.Reclaim(ctx, consumer, e.cfg.ReclaimMinIdle, readBatch)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("Reclaim failed", "error", err)
				}
				continue
			}
			if len(msgs) > 0 {
				e.logger.Info("Reclaimed abandoned events", "count", len(msgs))
				e.process(ctx, msgs)
			}
		}
	}
}

// process handles a batch, acking each event only after every binding
// has been evaluated. A failed event stays pending for redelivery.
func (e *Engine) process(ctx context.Context, msgs []stream.Message) {
	for _, msg := range msgs {
		if err := e.handleEvent(ctx, msg.Event); err != nil {
			e.logger.Error("Event handling failed; leaving pending for redelivery",
				"event_id", msg.Event.ID, "event_type", msg.Event.Type, "error", err)
			metrics.EventsConsumedTotal.WithLabelValues("redelivered").Inc()
			continue
		}
		metrics.EventsConsumedTotal.WithLabelValues("handled").Inc()
		if err := e.stream.Ack(ctx, msg.StreamID); err != nil {
			e.logger.Warn("Failed to ack event", "event_id", msg.Event.ID, "error", err)
		}
	}
}

// handleEvent evaluates all bindings for one event. Per-binding
// predicate errors are isolated; infrastructure errors (store, queue)
// propagate so the event is redelivered.
func (e *Engine) handleEvent(ctx context.Context, ev models.Event) error {
	bindings, err := e.store.ListActiveBindings(ctx, ev.OrganizationID, ev.Type)
	if err != nil {
		return fmt.Errorf("failed to list bindings: %w", err)
	}

	for _, b := range bindings {
		matched, evalErr := e.bindingMatches(b, ev)
		if !matched {
			metrics.TriggerEvaluationsTotal.WithLabelValues("unmatched").Inc()
			e.auditEvaluated(ctx, b, ev, evalErr)
			continue
		}
		metrics.TriggerEvaluationsTotal.WithLabelValues("matched").Inc()

		pb, err := e.store.GetPlaybook(ctx, b.OrganizationID, b.PlaybookID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) || errors.Is(err, models.ErrInvalidDefinition) {
				e.logger.Warn("Binding references unusable playbook",
					"binding_id", b.ID, "playbook_id", b.PlaybookID, "error", err)
				continue
			}
			return fmt.Errorf("failed to load playbook %d: %w", b.PlaybookID, err)
		}
		if !pb.IsActive {
			continue
		}
		if !e.triggerMatches(pb, ev) {
			continue
		}

		if err := e.launch(ctx, pb, b, ev); err != nil {
			return err
		}
	}
	return nil
}

// bindingMatches evaluates the binding predicate against the event
// data. Malformed predicates fail closed; the parse error is returned
// for the evaluation audit entry.
func (e *Engine) bindingMatches(b models.Binding, ev models.Event) (bool, error) {
	if b.Predicate == "" {
		return true, nil
	}
	ok, err := expr.EvalString(b.Predicate, ev.Data)
	if err != nil {
		e.logger.Warn("Malformed binding predicate",
			"binding_id", b.ID, "predicate", b.Predicate, "error", err)
		return false, err
	}
	return ok, nil
}

// triggerMatches applies the playbook's own trigger filter and where
// clause on top of the binding predicate.
func (e *Engine) triggerMatches(pb *models.Playbook, ev models.Event) bool {
	trg := pb.Definition.Trigger
	if len(trg.Filter) > 0 && !expr.MatchFilter(trg.Filter, ev.Data) {
		return false
	}
	if trg.Where != "" {
		ok, err := expr.EvalString(trg.Where, ev.Data)
		if err != nil {
			e.logger.Warn("Malformed trigger where clause",
				"playbook_id", pb.ID, "where", trg.Where, "error", err)
			return false
		}
		return ok
	}
	return true
}

// launch creates the execution row and enqueues its job. The execution
// ID is derived from (event, binding), so a redelivered event skips
// launches that already happened.
func (e *Engine) launch(ctx context.Context, pb *models.Playbook, b models.Binding, ev models.Event) error {
	execID := uuid.NewSHA1(executionNamespace, []byte(fmt.Sprintf("%s:%d", ev.ID, b.ID))).String()

	if _, err := e.store.GetExecutionByID(ctx, execID); err == nil {
		e.logger.Info("Skipping duplicate launch",
			"execution_id", execID, "event_id", ev.ID, "binding_id", b.ID)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check for duplicate launch: %w", err)
	}

	exec := &models.Execution{
		ID:             execID,
		PlaybookID:     pb.ID,
		OrganizationID: pb.OrganizationID,
		TriggerData:    buildTriggerData(ev),
		Status:         models.ExecutionStatusRunning,
		StartedAt:      time.Now(),
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to create execution for playbook %d: %w", pb.ID, err)
	}

	jobID, err := e.jobs.Enqueue(ctx, execID, b.Priority, e.maxAttempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue job for execution %s: %w", execID, err)
	}

	metrics.JobsEnqueuedTotal.Inc()
	e.audit(ctx, pb, b, ev, execID)
	e.logger.Info("Playbook triggered",
		"playbook_id", pb.ID, "binding_id", b.ID, "event_id", ev.ID,
		"execution_id", execID, "job_id", jobID, "priority", b.Priority)
	return nil
}

func (e *Engine) audit(ctx context.Context, pb *models.Playbook, b models.Binding, ev models.Event, execID string) {
	entry := &models.AuditEntry{
		Timestamp:      time.Now(),
		EntityType:     models.AuditEntityExecution,
		EntityID:       execID,
		Action:         "playbook.triggered",
		OrganizationID: pb.OrganizationID,
		Details: map[string]any{
			"playbook_id": pb.ID,
			"binding_id":  b.ID,
			"event_id":    ev.ID,
			"event_type":  ev.Type,
		},
		Severity: models.AuditSeverityInfo,
		Source:   models.AuditSourceSystem,
	}
	if err := e.store.AppendAuditLog(ctx, entry); err != nil {
		e.logger.Error("Failed to audit trigger", "execution_id", execID, "error", err)
	}
}

// auditEvaluated records a binding whose predicate rejected the event.
// Matches are audited by launch as playbook.triggered instead.
func (e *Engine) auditEvaluated(ctx context.Context, b models.Binding, ev models.Event, evalErr error) {
	details := map[string]any{
		"binding_id":  b.ID,
		"playbook_id": b.PlaybookID,
		"event_id":    ev.ID,
		"event_type":  ev.Type,
		"matched":     false,
	}
	if evalErr != nil {
		details["predicate_error"] = evalErr.Error()
	}
	entry := &models.AuditEntry{
		Timestamp:      time.Now(),
		EntityType:     models.AuditEntityPlaybook,
		EntityID:       strconv.FormatInt(b.PlaybookID, 10),
		Action:         "trigger.evaluated",
		OrganizationID: b.OrganizationID,
		Details:        details,
		Severity:       models.AuditSeverityInfo,
		Source:         models.AuditSourceSystem,
	}
	if err := e.store.AppendAuditLog(ctx, entry); err != nil {
		e.logger.Warn("Failed to audit trigger evaluation",
			"binding_id", b.ID, "event_id", ev.ID, "error", err)
	}
}

// buildTriggerData seeds the execution variables: the event's data
// fields at the top level plus an "event" submap with its identity.
func buildTriggerData(ev models.Event) map[string]any {
	data := models.DeepCopyMap(ev.Data)
	if data == nil {
		data = make(map[string]any)
	}
	data["event"] = map[string]any{
		"id":          ev.ID,
		"type":        ev.Type,
		"entity_id":   ev.EntityID,
		"entity_type": string(ev.EntityType),
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	return data
}
