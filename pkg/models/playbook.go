package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDefinition marks a playbook definition that cannot be
// parsed or validated. Executions referencing one fail permanently.
var ErrInvalidDefinition = errors.New("invalid playbook definition")

// OnError is the policy applied when a step fails after all retries.
type OnError string

// OnError policies.
const (
	OnErrorAbort    OnError = "abort"
	OnErrorContinue OnError = "continue"
	OnErrorRollback OnError = "rollback"
	OnErrorRetry    OnError = "retry" // same as abort at step level; queue retries own recovery
)

// DefaultStepTimeoutMs is used when a step omits timeoutMs.
const DefaultStepTimeoutMs = 30_000

// Playbook is a declarative response plan owned by one organization.
type Playbook struct {
	ID             int64              `json:"id"`
	OrganizationID int64              `json:"organization_id"`
	Name           string             `json:"name"`
	TriggerType    string             `json:"trigger_type"` // event entity class, e.g. "alert"
	IsActive       bool               `json:"is_active"`
	Definition     PlaybookDefinition `json:"definition"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Binding links an event pattern to a playbook. Read-mostly for the
// trigger engine; managed by external CRUD.
type Binding struct {
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organization_id"`
	EventType      string `json:"event_type"`
	PlaybookID     int64  `json:"playbook_id"`
	Predicate      string `json:"predicate,omitempty"` // optional expression, see pkg/expr
	Priority       int    `json:"priority"`            // higher runs first
	IsActive       bool   `json:"is_active"`
}

// Trigger describes what starts a playbook.
type Trigger struct {
	Type   string         `json:"type"`
	Filter map[string]any `json:"filter,omitempty"` // field → value | []values, all must match
	Where  string         `json:"where,omitempty"`  // expression, see pkg/expr
}

// Step is one unit of a playbook definition, already normalized to the
// canonical shape (legacy {uses, with} steps are mapped at parse time).
type Step struct {
	ID        string         `json:"id"`
	ActionID  string         `json:"actionId"`
	Params    map[string]any `json:"params,omitempty"`
	Condition string         `json:"if,omitempty"` // skip step when false
	Then      []Step         `json:"then,omitempty"`
	Else      []Step         `json:"else,omitempty"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
	Retries   int            `json:"retries,omitempty"` // total attempts = retries + 1
	OnError   OnError        `json:"onError,omitempty"`
}

// PlaybookDefinition is the stored, versioned playbook body.
type PlaybookDefinition struct {
	Trigger Trigger `json:"trigger"`
	Steps   []Step  `json:"steps"`
}

// rawStep accepts both the canonical and the legacy wire shape. Legacy
// steps use {uses, with, condition} in place of {actionId, params, if}.
type rawStep struct {
	ID        string         `json:"id"`
	ActionID  string         `json:"actionId"`
	Params    map[string]any `json:"params"`
	If        string         `json:"if"`
	Condition string         `json:"condition"`
	Then      []rawStep      `json:"then"`
	Else      []rawStep      `json:"else"`
	TimeoutMs int            `json:"timeoutMs"`
	Retries   int            `json:"retries"`
	OnError   string         `json:"onError"`

	// Legacy fields.
	Uses string         `json:"uses"`
	With map[string]any `json:"with"`
}

type rawDefinition struct {
	Trigger Trigger   `json:"trigger"`
	Steps   []rawStep `json:"steps"`
}

// ParseDefinition decodes a stored playbook definition, accepting the
// canonical and the legacy step shape, and normalizes to the canonical
// form. It validates step ids, action references and onError policies.
func ParseDefinition(data []byte) (PlaybookDefinition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return PlaybookDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	def := PlaybookDefinition{Trigger: raw.Trigger}

	seen := make(map[string]bool)
	steps, err := normalizeSteps(raw.Steps, seen)
	if err != nil {
		return PlaybookDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	def.Steps = steps

	if len(def.Steps) == 0 {
		return PlaybookDefinition{}, fmt.Errorf("%w: no steps", ErrInvalidDefinition)
	}
	return def, nil
}

func normalizeSteps(raws []rawStep, seen map[string]bool) ([]Step, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	steps := make([]Step, 0, len(raws))
	for i, r := range raws {
		s, err := normalizeStep(r, seen)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func normalizeStep(r rawStep, seen map[string]bool) (Step, error) {
	if r.ID == "" {
		return Step{}, fmt.Errorf("missing step id")
	}
	if seen[r.ID] {
		return Step{}, fmt.Errorf("duplicate step id %q", r.ID)
	}
	seen[r.ID] = true

	s := Step{
		ID:        r.ID,
		ActionID:  r.ActionID,
		Params:    r.Params,
		Condition: r.If,
		TimeoutMs: r.TimeoutMs,
		Retries:   r.Retries,
		OnError:   OnError(r.OnError),
	}

	// Legacy mapping: uses → actionId, with → params, condition → if.
	if s.ActionID == "" && r.Uses != "" {
		s.ActionID = r.Uses
	}
	if s.Params == nil && r.With != nil {
		s.Params = r.With
	}
	if s.Condition == "" && r.Condition != "" {
		s.Condition = r.Condition
	}

	if s.ActionID == "" {
		return Step{}, fmt.Errorf("step %q has no actionId", s.ID)
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = DefaultStepTimeoutMs
	}
	if s.Retries < 0 {
		return Step{}, fmt.Errorf("step %q has negative retries", s.ID)
	}

	switch s.OnError {
	case "":
		s.OnError = OnErrorAbort
	case OnErrorAbort, OnErrorContinue, OnErrorRollback, OnErrorRetry:
	default:
		return Step{}, fmt.Errorf("step %q has unknown onError policy %q", s.ID, s.OnError)
	}

	var err error
	if s.Then, err = normalizeSteps(r.Then, seen); err != nil {
		return Step{}, fmt.Errorf("then of %q: %w", s.ID, err)
	}
	if s.Else, err = normalizeSteps(r.Else, seen); err != nil {
		return Step{}, fmt.Errorf("else of %q: %w", s.ID, err)
	}
	return s, nil
}

// CountSteps returns the total number of steps including nested branches.
// Used for progress percentages.
func CountSteps(steps []Step) int {
	n := 0
	for _, s := range steps {
		n++
		n += CountSteps(s.Then)
		n += CountSteps(s.Else)
	}
	return n
}
