// Package events provides the live progress channel: WebSocket delivery
// backed by PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
// Lifecycle events are persisted to the events table before NOTIFY so
// reconnecting clients can catch up; progress and log lines are
// transient. Delivery is best-effort; durable state lives in the
// execution row and the audit log.
package events

import "strconv"

// Persistent event types (stored in DB + NOTIFY).
const (
	EventTypeExecutionStarted   = "execution:started"
	EventTypeExecutionCompleted = "execution:completed"
	EventTypeExecutionFailed    = "execution:failed"

	EventTypeStepStarted   = "step:started"
	EventTypeStepCompleted = "step:completed"
	EventTypeStepFailed    = "step:failed"
	EventTypeStepUpdate    = "step:update"

	EventTypePlaybookCreated = "playbook:created"
	EventTypePlaybookUpdated = "playbook:updated"
	EventTypePlaybookDeleted = "playbook:deleted"
)

// Transient event types (NOTIFY only, no DB persistence).
const (
	EventTypeExecutionProgress = "execution:progress"
	EventTypeExecutionLog      = "execution:log"
	EventTypeTestTrigger       = "test:trigger:started"
)

// OrgChannel is the room every authenticated client of an organization
// joins. Format: "org:{organization_id}"
func OrgChannel(orgID int64) string {
	return "org:" + strconv.FormatInt(orgID, 10)
}

// ExecutionChannel carries one execution's events.
// Format: "execution:{execution_id}"
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// PlaybooksChannel carries playbook catalog changes for an organization.
// Format: "playbooks:{organization_id}"
func PlaybooksChannel(orgID int64) string {
	return "playbooks:" + strconv.FormatInt(orgID, 10)
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages. The first message on a connection must be an authenticate.
type ClientMessage struct {
	Action string `json:"action"` // "authenticate", "subscribe", "unsubscribe", "catchup", "test:trigger", "ping"

	// Authenticate fields.
	Token          string   `json:"token,omitempty"`
	UserID         int64    `json:"userId,omitempty"`
	OrganizationID int64    `json:"organizationId,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`

	// Channel commands.
	Channel     string `json:"channel,omitempty"`
	LastEventID *int64 `json:"last_event_id,omitempty"` // for catchup

	// test:trigger fields.
	PlaybookID int64          `json:"playbookId,omitempty"`
	SampleData map[string]any `json:"sampleData,omitempty"`
}
