package events

import "github.com/rampartsec/rampart/pkg/models"

// BasePayload carries the fields every live event has.
type BasePayload struct {
	Type           string `json:"type"`
	ExecutionID    string `json:"execution_id,omitempty"`
	OrganizationID int64  `json:"organization_id"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// ExecutionStatusPayload is published on execution lifecycle
// transitions (started, completed, failed).
type ExecutionStatusPayload struct {
	BasePayload
	PlaybookID int64                  `json:"playbook_id"`
	Status     models.ExecutionStatus `json:"status"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// ExecutionProgressPayload is the transient per-step progress update.
type ExecutionProgressPayload struct {
	BasePayload
	Percent        int `json:"percent"`
	StepsCompleted int `json:"steps_completed"`
	StepsTotal     int `json:"steps_total"`
}

// StepStatusPayload is published for step lifecycle transitions.
type StepStatusPayload struct {
	BasePayload
	StepID     string            `json:"step_id"`
	ActionID   string            `json:"action_id"`
	Status     models.StepStatus `json:"status"`
	Attempts   int               `json:"attempts,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ExecutionLogPayload is a transient execution log line.
type ExecutionLogPayload struct {
	BasePayload
	Level   string `json:"level"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

// PlaybookChangePayload is published on playbook catalog changes.
type PlaybookChangePayload struct {
	BasePayload
	PlaybookID int64  `json:"playbook_id"`
	Name       string `json:"name,omitempty"`
}

// TestTriggerPayload announces a dry-run execution kicked off by a user.
type TestTriggerPayload struct {
	BasePayload
	PlaybookID int64 `json:"playbook_id"`
	UserID     int64 `json:"user_id"`
}
