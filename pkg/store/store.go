// Package store persists playbooks, bindings, executions and the audit
// trail in PostgreSQL. All reads and writes are scoped to an
// organization; cross-organization access returns ErrNotFound.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rampartsec/rampart/pkg/models"
)

// ErrNotFound is returned when a row does not exist or belongs to a
// different organization.
var ErrNotFound = errors.New("not found")

// AuditFilter narrows audit queries. Zero fields are ignored.
type AuditFilter struct {
	EntityType models.AuditEntityType
	EntityID   string
	Action     string
	Severity   models.AuditSeverity
	Since      time.Time
	Limit      int
}

// Store is the persistence surface used by the trigger engine, the
// executor and the API.
type Store interface {
	// GetPlaybook loads a playbook with its parsed definition.
	GetPlaybook(ctx context.Context, orgID, playbookID int64) (*models.Playbook, error)

	// ListActiveBindings returns active bindings for an organization and
	// event type, ordered by priority descending, then id ascending.
	ListActiveBindings(ctx context.Context, orgID int64, eventType string) ([]models.Binding, error)

	InsertExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, orgID int64, executionID string) (*models.Execution, error)

	// GetExecutionByID loads an execution without organization scoping.
	// Worker-side only; API reads go through GetExecution.
	GetExecutionByID(ctx context.Context, executionID string) (*models.Execution, error)

	// FinishExecution records the terminal status, results snapshot and
	// timing of an execution.
	FinishExecution(ctx context.Context, exec *models.Execution) error

	// TrimExecutions deletes the oldest terminal executions beyond the
	// per-organization retention limits. Returns rows deleted.
	TrimExecutions(ctx context.Context, orgID int64, keepCompleted, keepFailed int) (int64, error)

	AppendAuditLog(ctx context.Context, entry *models.AuditEntry) error
	ListAuditLogs(ctx context.Context, orgID int64, filter AuditFilter) ([]models.AuditEntry, error)

	// PurgeAuditLogs deletes audit entries older than the cutoff.
	PurgeAuditLogs(ctx context.Context, before time.Time) (int64, error)
}
