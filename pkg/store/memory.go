package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rampartsec/rampart/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and dry-runs.
type MemoryStore struct {
	mu         sync.RWMutex
	playbooks  map[int64]*models.Playbook
	bindings   []models.Binding
	executions map[string]*models.Execution
	audit      []models.AuditEntry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		playbooks:  make(map[int64]*models.Playbook),
		executions: make(map[string]*models.Execution),
	}
}

var _ Store = (*MemoryStore)(nil)

// AddPlaybook seeds a playbook.
func (s *MemoryStore) AddPlaybook(pb *models.Playbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbooks[pb.ID] = pb
}

// AddBinding seeds a binding.
func (s *MemoryStore) AddBinding(b models.Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, b)
}

func (s *MemoryStore) GetPlaybook(_ context.Context, orgID, playbookID int64) (*models.Playbook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pb, ok := s.playbooks[playbookID]
	if !ok || pb.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *pb
	return &cp, nil
}

func (s *MemoryStore) ListActiveBindings(_ context.Context, orgID int64, eventType string) ([]models.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Binding
	for _, b := range s.bindings {
		if b.IsActive && b.OrganizationID == orgID && b.EventType == eventType {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) InsertExecution(_ context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, orgID int64, executionID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok || exec.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) GetExecutionByID(_ context.Context, executionID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) FinishExecution(_ context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[exec.ID]
	if !ok || cur.OrganizationID != exec.OrganizationID {
		return ErrNotFound
	}
	cur.Status = exec.Status
	cur.CompletedAt = exec.CompletedAt
	cur.DurationMs = exec.DurationMs
	cur.Results = exec.Results
	cur.Error = exec.Error
	return nil
}

func (s *MemoryStore) TrimExecutions(_ context.Context, orgID int64, keepCompleted, keepFailed int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for status, keep := range map[models.ExecutionStatus]int{
		models.ExecutionStatusCompleted: keepCompleted,
		models.ExecutionStatusFailed:    keepFailed,
	} {
		if keep <= 0 {
			continue
		}
		var matched []*models.Execution
		for _, e := range s.executions {
			if e.OrganizationID == orgID && e.Status == status {
				matched = append(matched, e)
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		})
		for _, e := range matched[min(keep, len(matched)):] {
			delete(s.executions, e.ID)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) AppendAuditLog(_ context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.audit) + 1)
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *MemoryStore) ListAuditLogs(_ context.Context, orgID int64, filter AuditFilter) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEntry
	for _, e := range s.audit {
		if e.OrganizationID != orgID {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeAuditLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	var purged int64
	for _, e := range s.audit {
		if e.Timestamp.Before(before) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return purged, nil
}
