package models

import "time"

// AuditEntityType classifies the entity an audit entry refers to.
type AuditEntityType string

// Audit entity types.
const (
	AuditEntityPlaybook  AuditEntityType = "playbook"
	AuditEntityExecution AuditEntityType = "execution"
	AuditEntityAction    AuditEntityType = "action"
	AuditEntityTest      AuditEntityType = "test"
)

// AuditSeverity is the severity of an audit entry.
type AuditSeverity string

// Audit severities. Status transitions map: info for started/completed/
// skipped, warning for retries and continue-recovered failures, error for
// step-level failures, critical for security/permission denials.
const (
	AuditSeverityInfo     AuditSeverity = "info"
	AuditSeverityWarning  AuditSeverity = "warning"
	AuditSeverityError    AuditSeverity = "error"
	AuditSeverityCritical AuditSeverity = "critical"
)

// AuditSource identifies who initiated the audited action.
type AuditSource string

// Audit sources.
const (
	AuditSourceSystem AuditSource = "system"
	AuditSourceUser   AuditSource = "user"
	AuditSourceAPI    AuditSource = "api"
)

// AuditEntry is a single append-only audit log record.
type AuditEntry struct {
	ID             int64           `json:"id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	EntityType     AuditEntityType `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"` // dotted, e.g. "playbook.completed"
	UserID         *int64          `json:"user_id,omitempty"`
	OrganizationID int64           `json:"organization_id"`
	Details        map[string]any  `json:"details,omitempty"`
	Severity       AuditSeverity   `json:"severity"`
	Source         AuditSource     `json:"source"`
}
