package actions

import (
	"context"
	"time"
)

// NewMockRegistry mirrors the metadata of a real registry but replaces
// every execution with a deterministic stub that never reaches external
// systems. Dry-run executions are interpreted against it so conditions,
// retries and checkpoints behave exactly as in a live run.
func NewMockRegistry(source *Registry) *Registry {
	mock := NewRegistry(AllowAll{})
	for _, meta := range source.All() {
		_ = mock.Register(&mockAction{meta: meta})
	}
	return mock
}

type mockAction struct {
	meta Metadata
}

func (m *mockAction) Metadata() Metadata { return m.meta }

func (m *mockAction) Execute(ctx context.Context, params map[string]any, _ Invocation) (*Result, error) {
	// Keep the delay semantics observable in test runs, capped hard.
	if m.meta.ID == "delay" {
		ms, _ := toMillis(params["milliseconds"])
		d := min(time.Duration(ms)*time.Millisecond, MaxDryRunDelay)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{
		Success: true,
		Message: "dry-run: " + m.meta.ID,
		Data: map[string]any{
			"mocked":    true,
			"action_id": m.meta.ID,
			"params":    params,
		},
	}, nil
}
