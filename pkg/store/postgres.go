package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rampartsec/rampart/pkg/models"
)

// PostgresStore implements Store on a pooled database/sql connection.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) GetPlaybook(ctx context.Context, orgID, playbookID int64) (*models.Playbook, error) {
	var (
		pb     models.Playbook
		rawDef []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, trigger_type, is_active, definition, created_at, updated_at
		FROM playbooks
		WHERE id = $1 AND organization_id = $2`,
		playbookID, orgID,
	).Scan(&pb.ID, &pb.OrganizationID, &pb.Name, &pb.TriggerType, &pb.IsActive, &rawDef, &pb.CreatedAt, &pb.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playbook %d: %w", playbookID, err)
	}

	pb.Definition, err = models.ParseDefinition(rawDef)
	if err != nil {
		return nil, fmt.Errorf("playbook %d: %w", playbookID, err)
	}
	return &pb, nil
}

func (s *PostgresStore) ListActiveBindings(ctx context.Context, orgID int64, eventType string) ([]models.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, event_type, playbook_id, predicate, priority, is_active
		FROM playbook_bindings
		WHERE organization_id = $1 AND event_type = $2 AND is_active
		ORDER BY priority DESC, id ASC`,
		orgID, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []models.Binding
	for rows.Next() {
		var b models.Binding
		if err := rows.Scan(&b.ID, &b.OrganizationID, &b.EventType, &b.PlaybookID, &b.Predicate, &b.Priority, &b.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

func (s *PostgresStore) InsertExecution(ctx context.Context, exec *models.Execution) error {
	triggerData, err := json.Marshal(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to encode trigger data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playbook_executions (id, playbook_id, organization_id, user_id, trigger_data, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.PlaybookID, exec.OrganizationID, exec.UserID, triggerData, exec.Status, exec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, orgID int64, executionID string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, playbook_id, organization_id, user_id, trigger_data, status,
		       started_at, completed_at, duration_ms, results, error
		FROM playbook_executions
		WHERE id = $1 AND organization_id = $2`,
		executionID, orgID,
	)
	return scanExecution(row, executionID)
}

func (s *PostgresStore) GetExecutionByID(ctx context.Context, executionID string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, playbook_id, organization_id, user_id, trigger_data, status,
		       started_at, completed_at, duration_ms, results, error
		FROM playbook_executions
		WHERE id = $1`,
		executionID,
	)
	return scanExecution(row, executionID)
}

func scanExecution(row *sql.Row, executionID string) (*models.Execution, error) {
	var (
		exec        models.Execution
		triggerData []byte
		results     []byte
	)
	err := row.Scan(&exec.ID, &exec.PlaybookID, &exec.OrganizationID, &exec.UserID, &triggerData,
		&exec.Status, &exec.StartedAt, &exec.CompletedAt, &exec.DurationMs, &results, &exec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	if len(triggerData) > 0 {
		if err := json.Unmarshal(triggerData, &exec.TriggerData); err != nil {
			return nil, fmt.Errorf("execution %s: corrupt trigger data: %w", executionID, err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &exec.Results); err != nil {
			return nil, fmt.Errorf("execution %s: corrupt results: %w", executionID, err)
		}
	}
	return &exec, nil
}

func (s *PostgresStore) FinishExecution(ctx context.Context, exec *models.Execution) error {
	results, err := json.Marshal(exec.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE playbook_executions
		SET status = $1, completed_at = $2, duration_ms = $3, results = $4, error = $5
		WHERE id = $6 AND organization_id = $7`,
		exec.Status, exec.CompletedAt, exec.DurationMs, results, exec.Error, exec.ID, exec.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", exec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TrimExecutions(ctx context.Context, orgID int64, keepCompleted, keepFailed int) (int64, error) {
	var total int64
	for status, keep := range map[models.ExecutionStatus]int{
		models.ExecutionStatusCompleted: keepCompleted,
		models.ExecutionStatusFailed:    keepFailed,
	} {
		if keep <= 0 {
			continue
		}
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM playbook_executions
			WHERE id IN (
				SELECT id FROM playbook_executions
				WHERE organization_id = $1 AND status = $2
				ORDER BY started_at DESC
				OFFSET $3
			)`,
			orgID, status, keep,
		)
		if err != nil {
			return total, fmt.Errorf("failed to trim %s executions: %w", status, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *PostgresStore) AppendAuditLog(ctx context.Context, entry *models.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (timestamp, entity_type, entity_id, action, user_id, organization_id, details, severity, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		entry.Timestamp, entry.EntityType, entry.EntityID, entry.Action,
		entry.UserID, entry.OrganizationID, details, entry.Severity, entry.Source,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, orgID int64, filter AuditFilter) ([]models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, timestamp, entity_type, entity_id, action, user_id, organization_id, details, severity, source
		FROM audit_logs
		WHERE organization_id = $1`)
	args := []any{orgID}

	addCond := func(cond string, val any) {
		args = append(args, val)
		fmt.Fprintf(&query, " AND %s = $%d", cond, len(args))
	}
	if filter.EntityType != "" {
		addCond("entity_type", filter.EntityType)
	}
	if filter.EntityID != "" {
		addCond("entity_id", filter.EntityID)
	}
	if filter.Action != "" {
		addCond("action", filter.Action)
	}
	if filter.Severity != "" {
		addCond("severity", filter.Severity)
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		fmt.Fprintf(&query, " AND timestamp >= $%d", len(args))
	}
	query.WriteString(" ORDER BY timestamp DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e       models.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EntityType, &e.EntityID, &e.Action,
			&e.UserID, &e.OrganizationID, &details, &e.Severity, &e.Source); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("corrupt audit details for entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) PurgeAuditLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	return res.RowsAffected()
}
