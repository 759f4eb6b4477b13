package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rampartsec/rampart/pkg/expr"
)

// RegisterBuiltins adds the core actions every deployment ships with.
// External actions (notification, ticketing, firewall) register through
// the same interface at wiring time.
func RegisterBuiltins(r *Registry) error {
	for _, a := range []Action{
		&logMessageAction{},
		&delayAction{},
		&conditionalAction{},
	} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

type logMessageAction struct{}

func (*logMessageAction) Metadata() Metadata {
	return Metadata{
		ID:          "log_message",
		Name:        "Log Message",
		Category:    "investigation",
		Description: "Writes a message to the execution log.",
		Params: []ParamSpec{
			{Name: "message", Type: ParamString, Required: true},
			{Name: "level", Type: ParamString},
		},
	}
}

func (*logMessageAction) Execute(_ context.Context, params map[string]any, inv Invocation) (*Result, error) {
	message := params["message"].(string)
	level, _ := params["level"].(string)
	if level == "" {
		level = "info"
	}
	if inv.Log != nil {
		inv.Log(level, message)
	}
	return &Result{
		Success: true,
		Message: message,
		Data:    map[string]any{"logged": true, "level": level},
	}, nil
}

// MaxDryRunDelay caps delay durations during test executions.
const MaxDryRunDelay = 5 * time.Second

type delayAction struct{}

func (*delayAction) Metadata() Metadata {
	return Metadata{
		ID:          "delay",
		Name:        "Delay",
		Category:    "investigation",
		Description: "Pauses the execution for a number of milliseconds.",
		Params: []ParamSpec{
			{Name: "milliseconds", Type: ParamNumber, Required: true},
		},
	}
}

func (*delayAction) Execute(ctx context.Context, params map[string]any, _ Invocation) (*Result, error) {
	ms, _ := toMillis(params["milliseconds"])
	if ms < 0 {
		return nil, fmt.Errorf("%w: delay milliseconds must be non-negative", ErrInvalidParams)
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Result{
		Success: true,
		Data:    map[string]any{"delayed_ms": ms},
	}, nil
}

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

type conditionalAction struct{}

func (*conditionalAction) Metadata() Metadata {
	return Metadata{
		ID:          "conditional",
		Name:        "Conditional",
		Category:    "investigation",
		Description: "Evaluates a condition against the execution variables and returns the matching branch value.",
		Params: []ParamSpec{
			{Name: "condition", Type: ParamString, Required: true},
			{Name: "then", Type: ParamAny},
			{Name: "else", Type: ParamAny},
		},
	}
}

func (*conditionalAction) Execute(_ context.Context, params map[string]any, inv Invocation) (*Result, error) {
	condition := params["condition"].(string)
	matched, err := expr.EvalString(condition, inv.Variables)
	if err != nil {
		return nil, fmt.Errorf("%w: bad condition %q: %v", ErrInvalidParams, condition, err)
	}
	value := params["else"]
	if matched {
		value = params["then"]
	}
	return &Result{
		Success: true,
		Data:    map[string]any{"matched": matched, "value": value},
	}, nil
}
