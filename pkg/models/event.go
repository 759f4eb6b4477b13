// Package models defines the domain types shared across the SOAR core:
// security events, playbooks and their bindings, executions, and audit entries.
package models

import "time"

// EntityType classifies the entity a security event refers to.
type EntityType string

// Entity type constants.
const (
	EntityAlert    EntityType = "alert"
	EntityIncident EntityType = "incident"
	EntityPlaybook EntityType = "playbook"
)

// Event is an immutable security event produced by upstream collaborators
// (collectors, the alert API, incident updates). The ID is globally unique
// and serves as the natural idempotency key for consumers.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"` // e.g. "alert.created", "incident.updated"
	EntityID       int64          `json:"entity_id"`
	EntityType     EntityType     `json:"entity_type"`
	OrganizationID int64          `json:"organization_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data"` // open field map used by predicates and templates
}
