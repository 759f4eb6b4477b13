package models

import (
	"time"
)

// ExecutionStatus is the lifecycle status of a playbook execution.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
)

// Terminal reports whether the status is terminal.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusAborted:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of a single step within an execution.
type StepStatus string

// Step statuses. Transitions are monotonic: pending → running → retrying →
// running → (completed | failed | skipped). The only backfill is rollback's
// reset to pending.
const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
)

// Execution is a persisted run of a playbook.
type Execution struct {
	ID             string          `json:"id"`
	PlaybookID     int64           `json:"playbook_id"`
	OrganizationID int64           `json:"organization_id"`
	UserID         *int64          `json:"user_id,omitempty"` // nil ⇒ system-triggered
	TriggerData    map[string]any  `json:"trigger_data,omitempty"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	Results        *StateSnapshot  `json:"results,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// StepState tracks one step's progress inside an ExecutionState.
type StepState struct {
	Status    StepStatus     `json:"status"`
	Attempts  int            `json:"attempts"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Checkpoint is a variables snapshot taken just before a step begins.
// VariablesSnapshot is a deep copy; the live state never aliases it.
type Checkpoint struct {
	StepID            string         `json:"step_id"`
	Timestamp         time.Time      `json:"timestamp"`
	VariablesSnapshot map[string]any `json:"variables_snapshot"`
}

// LogEntry is one line of an execution's log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
}

// ExecutionState is the in-memory state of a running execution, owned
// exclusively by the worker holding the job. Snapshots are persisted into
// Execution.Results.
type ExecutionState struct {
	Variables     map[string]any        `json:"variables"`
	Steps         map[string]*StepState `json:"steps"`
	Checkpoints   []Checkpoint          `json:"checkpoints"`
	CurrentStepID string                `json:"current_step_id,omitempty"`
	Logs          []LogEntry            `json:"logs,omitempty"`

	// StepOrder records step ids in the order they were reached, so
	// snapshots replay the timeline without inspecting timestamps.
	StepOrder []string `json:"step_order"`
}

// NewExecutionState builds a fresh state seeded with the merged trigger
// variables. A "steps" submap is reserved for step outputs.
func NewExecutionState(variables map[string]any) *ExecutionState {
	if variables == nil {
		variables = make(map[string]any)
	}
	if _, ok := variables["steps"]; !ok {
		variables["steps"] = map[string]any{}
	}
	return &ExecutionState{
		Variables: variables,
		Steps:     make(map[string]*StepState),
	}
}

// PushCheckpoint appends a checkpoint with a deep copy of the current
// variables, trimming the list to the newest `retention` entries.
func (st *ExecutionState) PushCheckpoint(stepID string, now time.Time, retention int) {
	st.Checkpoints = append(st.Checkpoints, Checkpoint{
		StepID:            stepID,
		Timestamp:         now,
		VariablesSnapshot: DeepCopyMap(st.Variables),
	})
	if retention > 0 && len(st.Checkpoints) > retention {
		st.Checkpoints = st.Checkpoints[len(st.Checkpoints)-retention:]
	}
}

// LatestCheckpoint returns the most recent checkpoint, or nil.
func (st *ExecutionState) LatestCheckpoint() *Checkpoint {
	if len(st.Checkpoints) == 0 {
		return nil
	}
	return &st.Checkpoints[len(st.Checkpoints)-1]
}

// Rollback reverts the effects leading up to a failed step. The failing
// step's own checkpoint (pushed just before it ran) is popped so the
// restore target is the checkpoint before it, undoing the previous
// step's variable writes as well. Every step started after the restored
// checkpoint resets to pending with output and error cleared; the
// failing step itself keeps its failed record. Returns false when no
// earlier checkpoint exists.
func (st *ExecutionState) Rollback(failingStepID string) bool {
	if n := len(st.Checkpoints); n > 0 && st.Checkpoints[n-1].StepID == failingStepID {
		st.Checkpoints = st.Checkpoints[:n-1]
	}
	cp := st.LatestCheckpoint()
	if cp == nil {
		return false
	}
	st.Variables = DeepCopyMap(cp.VariablesSnapshot)
	for id, ss := range st.Steps {
		if id == failingStepID {
			continue
		}
		if ss.StartTime.After(cp.Timestamp) {
			ss.Status = StepStatusPending
			ss.Output = nil
			ss.Error = ""
			ss.EndTime = nil
		}
	}
	return true
}

// AppendLog records a log line on the state.
func (st *ExecutionState) AppendLog(level, message, stepID string, now time.Time) {
	st.Logs = append(st.Logs, LogEntry{Timestamp: now, Level: level, Message: message, StepID: stepID})
}

// StepSummary is the persisted per-step view inside a StateSnapshot.
type StepSummary struct {
	ID        string     `json:"id"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// StateSnapshot is the serialized form of an ExecutionState stored in
// Execution.Results: step summaries plus the variables (key list by
// default, full values when requested), checkpoints and logs.
type StateSnapshot struct {
	Steps        []StepSummary  `json:"steps"`
	VariableKeys []string       `json:"variable_keys,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Checkpoints  []Checkpoint   `json:"checkpoints,omitempty"`
	Logs         []LogEntry     `json:"logs,omitempty"`
}

// Snapshot serializes the state. When includeVariables is false only the
// variable key list is recorded (the default for persisted results).
func (st *ExecutionState) Snapshot(includeVariables bool) *StateSnapshot {
	snap := &StateSnapshot{
		Checkpoints: st.Checkpoints,
		Logs:        st.Logs,
	}
	for _, id := range st.StepOrder {
		ss, ok := st.Steps[id]
		if !ok {
			continue
		}
		snap.Steps = append(snap.Steps, StepSummary{
			ID:        id,
			Status:    ss.Status,
			Attempts:  ss.Attempts,
			StartTime: ss.StartTime,
			EndTime:   ss.EndTime,
			Error:     ss.Error,
		})
	}
	if includeVariables {
		snap.Variables = DeepCopyMap(st.Variables)
	} else {
		for k := range st.Variables {
			snap.VariableKeys = append(snap.VariableKeys, k)
		}
	}
	return snap
}

// DeepCopyMap copies a variables tree by value. Maps and slices are
// cloned recursively; scalar leaves are shared (they are immutable).
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
