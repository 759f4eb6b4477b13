// Package actions defines the action contract and the registry the
// executor resolves steps against. Actions declare a parameter schema
// and a required permission; the registry enforces both before any
// action code runs.
package actions

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. The executor maps these onto its failure policies:
// a permission denial aborts the execution regardless of onError, and a
// validation failure fails the step immediately without retries.
var (
	ErrNotFound         = errors.New("action not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidParams    = errors.New("invalid action parameters")
)

// ParamType is the declared type of an action parameter.
type ParamType string

// Parameter types.
const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
	ParamObject ParamType = "object"
	ParamArray  ParamType = "array"
	ParamAny    ParamType = "any"
)

// ParamSpec declares one parameter of an action.
type ParamSpec struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Required bool      `json:"required"`
}

// Metadata describes an action for discovery and validation.
type Metadata struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params,omitempty"`

	// Permission is the permission key a caller must hold, empty for
	// unrestricted actions.
	Permission string `json:"permission,omitempty"`
}

// Result is the uniform outcome of an action run.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Invocation carries the execution context an action runs under.
type Invocation struct {
	PlaybookID     int64
	ExecutionID    string
	StepID         string
	OrganizationID int64
	UserID         *int64 // nil for system-triggered executions

	// Variables is a read-only view of the execution's variables tree.
	Variables map[string]any

	// Log writes into the execution's log; nil-safe for direct calls.
	Log func(level, message string)
}

// Action is a pluggable unit of response work.
type Action interface {
	Metadata() Metadata
	Execute(ctx context.Context, params map[string]any, inv Invocation) (*Result, error)
}

// ValidateParams checks rendered params against the schema: required
// parameters must be present and typed parameters must match.
func ValidateParams(meta Metadata, params map[string]any) error {
	for _, spec := range meta.Params {
		val, ok := params[spec.Name]
		if !ok {
			if spec.Required {
				return fmt.Errorf("%w: %s requires parameter %q", ErrInvalidParams, meta.ID, spec.Name)
			}
			continue
		}
		if !typeMatches(spec.Type, val) {
			return fmt.Errorf("%w: %s parameter %q must be %s", ErrInvalidParams, meta.ID, spec.Name, spec.Type)
		}
	}
	return nil
}

func typeMatches(t ParamType, v any) bool {
	switch t {
	case ParamAny, "":
		return true
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case ParamObject:
		_, ok := v.(map[string]any)
		return ok
	case ParamArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}
