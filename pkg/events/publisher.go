package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Publisher publishes live events for WebSocket delivery.
// Lifecycle events are stored in the events table then broadcast via
// NOTIFY in one transaction; transient events (progress, logs) are
// broadcast via NOTIFY only.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher on the shared connection pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishExecutionStatus persists an execution lifecycle event to the
// execution channel and mirrors a transient copy to the org channel for
// list views. Both sends are attempted; the first error is returned.
func (p *Publisher) PublishExecutionStatus(ctx context.Context, payload ExecutionStatusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ExecutionStatusPayload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, ExecutionChannel(payload.ExecutionID), data); err != nil {
		slog.Warn("Failed to publish execution status to execution channel",
			"execution_id", payload.ExecutionID, "status", payload.Status, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, OrgChannel(payload.OrganizationID), data); err != nil {
		slog.Warn("Failed to publish execution status to org channel",
			"execution_id", payload.ExecutionID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishStepStatus persists and broadcasts a step lifecycle event.
func (p *Publisher) PublishStepStatus(ctx context.Context, payload StepStatusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal StepStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, ExecutionChannel(payload.ExecutionID), data)
}

// PublishProgress broadcasts a transient progress percentage.
func (p *Publisher) PublishProgress(ctx context.Context, payload ExecutionProgressPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ExecutionProgressPayload: %w", err)
	}
	return p.notifyOnly(ctx, ExecutionChannel(payload.ExecutionID), data)
}

// PublishLog broadcasts a transient execution log line.
func (p *Publisher) PublishLog(ctx context.Context, payload ExecutionLogPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ExecutionLogPayload: %w", err)
	}
	return p.notifyOnly(ctx, ExecutionChannel(payload.ExecutionID), data)
}

// PublishPlaybookChange persists and broadcasts a playbook catalog
// change to the organization's playbook-list channel.
func (p *Publisher) PublishPlaybookChange(ctx context.Context, payload PlaybookChangePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal PlaybookChangePayload: %w", err)
	}
	return p.persistAndNotify(ctx, PlaybooksChannel(payload.OrganizationID), data)
}

// PublishTestTrigger broadcasts a transient dry-run announcement to the
// org channel. Dry-run results stay off the ordinary execution stream.
func (p *Publisher) PublishTestTrigger(ctx context.Context, payload TestTriggerPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal TestTriggerPayload: %w", err)
	}
	return p.notifyOnly(ctx, OrgChannel(payload.OrganizationID), data)
}

// persistAndNotify persists a pre-marshaled event and broadcasts via
// NOTIFY in a single transaction (pg_notify is transactional, held
// until COMMIT).
func (p *Publisher) persistAndNotify(ctx context.Context, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (channel, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persistence.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectDBEventIDAndTruncate adds db_event_id to the NOTIFY payload for
// catchup position tracking.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded keeps the payload under PostgreSQL's 8000-byte
// NOTIFY limit, falling back to a minimal routing envelope.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal oversized payload: %w", err)
	}
	envelope := map[string]any{
		"type":      m["type"],
		"truncated": true,
	}
	for _, key := range []string{"execution_id", "organization_id", "db_event_id", "timestamp", "step_id"} {
		if v, ok := m[key]; ok {
			envelope[key] = v
		}
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(data), nil
}
