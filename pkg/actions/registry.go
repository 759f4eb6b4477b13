package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// PermissionChecker decides whether a user may run an action. A nil
// UserID means the system itself triggered the execution, which is
// always allowed.
type PermissionChecker interface {
	HasPermission(ctx context.Context, orgID int64, userID int64, permission string) (bool, error)
}

// AllowAll grants every permission. Used for system-only deployments
// and tests.
type AllowAll struct{}

func (AllowAll) HasPermission(context.Context, int64, int64, string) (bool, error) {
	return true, nil
}

// Registry resolves action ids to implementations and gates every run
// behind the permission check, schema validation and a per-action
// circuit breaker.
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]Action
	breakers map[string]*gobreaker.CircuitBreaker
	perms    PermissionChecker
	logger   *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(perms PermissionChecker) *Registry {
	if perms == nil {
		perms = AllowAll{}
	}
	return &Registry{
		actions:  make(map[string]Action),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		perms:    perms,
		logger:   slog.With("component", "actions"),
	}
}

// Register adds an action. Ids are unique; a second registration under
// the same id fails.
func (r *Registry) Register(a Action) error {
	meta := a.Metadata()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[meta.ID]; exists {
		return fmt.Errorf("action %s already registered", meta.ID)
	}
	r.actions[meta.ID] = a
	r.breakers[meta.ID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    meta.ID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("Action circuit breaker state changed",
				"action_id", name, "from", from.String(), "to", to.String())
		},
	})
	return nil
}

// Unregister removes an action.
func (r *Registry) Unregister(actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, actionID)
	delete(r.breakers, actionID)
}

// Get returns an action's metadata.
func (r *Registry) Get(actionID string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionID]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, actionID)
	}
	return a.Metadata(), nil
}

// All lists every registered action, sorted by id.
func (r *Registry) All() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCategory lists actions in one category, sorted by id.
func (r *Registry) ByCategory(category string) []Metadata {
	var out []Metadata
	for _, m := range r.All() {
		if m.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// Execute runs an action: permission check, then schema validation,
// then the action body behind its circuit breaker. Action errors are
// returned as a failed Result with a nil error; infrastructure errors
// (unknown action, denial, validation, open breaker) return an error.
func (r *Registry) Execute(ctx context.Context, actionID string, params map[string]any, inv Invocation) (*Result, error) {
	r.mu.RLock()
	a, ok := r.actions[actionID]
	cb := r.breakers[actionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, actionID)
	}
	meta := a.Metadata()

	if meta.Permission != "" && inv.UserID != nil {
		allowed, err := r.perms.HasPermission(ctx, inv.OrganizationID, *inv.UserID, meta.Permission)
		if err != nil {
			return nil, fmt.Errorf("permission check for %s failed: %w", actionID, err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, actionID, meta.Permission)
		}
	}

	if err := ValidateParams(meta, params); err != nil {
		return nil, err
	}

	// Only transport-level errors trip the breaker. A Result with
	// Success=false is a domain failure and passes through unchanged.
	out, err := cb.Execute(func() (any, error) {
		res, err := a.Execute(ctx, params, inv)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, fmt.Errorf("action %s returned no result", actionID)
		}
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("action %s failed: %w", actionID, err)
	}
	return out.(*Result), nil
}
