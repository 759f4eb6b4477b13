package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rampartsec/rampart/pkg/config"
	"github.com/rampartsec/rampart/pkg/models"
	"github.com/rampartsec/rampart/pkg/store"
	"github.com/rampartsec/rampart/pkg/stream"
)

type enqueued struct {
	executionID string
	priority    int
	maxAttempts int
}

// fakeQueue records enqueues; fail makes every call error to drive the
// nack path.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	fail bool
}

func (q *fakeQueue) Enqueue(_ context.Context, executionID string, priority, maxAttempts int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return 0, errors.New("queue backend unreachable")
	}
	q.jobs = append(q.jobs, enqueued{executionID, priority, maxAttempts})
	return int64(len(q.jobs)), nil
}

func (q *fakeQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.jobs...)
}

func testStream(t *testing.T) *stream.Stream {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := stream.NewWithClient(client, "rampart:events", "trigger-engine", 1000)
	require.NoError(t, s.EnsureGroup(context.Background()))
	return s
}

func oneStepDefinition(t *testing.T) models.PlaybookDefinition {
	t.Helper()
	def, err := models.ParseDefinition([]byte(`{"steps": [{"id": "s1", "actionId": "log_message"}]}`))
	require.NoError(t, err)
	return def
}

func newTestEngine(t *testing.T, st *store.MemoryStore, jobs JobQueue) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Trigger.Concurrency = 1
	cfg.Trigger.BlockTimeout = 50 * time.Millisecond
	cfg.Trigger.ReclaimInterval = 0
	return NewEngine(testStream(t), st, jobs, cfg, "pod-test")
}

func seedPlaybook(st *store.MemoryStore, t *testing.T, id, orgID int64, active bool) {
	t.Helper()
	st.AddPlaybook(&models.Playbook{
		ID:             id,
		OrganizationID: orgID,
		Name:           "containment",
		TriggerType:    "alert",
		IsActive:       active,
		Definition:     oneStepDefinition(t),
	})
}

func alertEvent(id string, orgID int64, data map[string]any) models.Event {
	return models.Event{
		ID:             id,
		Type:           "alert.created",
		EntityID:       77,
		EntityType:     models.EntityAlert,
		OrganizationID: orgID,
		Timestamp:      time.Now(),
		Data:           data,
	}
}

func TestHandleEventEnqueuesByBindingOrder(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 1, true)
	seedPlaybook(st, t, 2, 1, true)
	st.AddBinding(models.Binding{ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1, Priority: 1, IsActive: true})
	st.AddBinding(models.Binding{ID: 2, OrganizationID: 1, EventType: "alert.created", PlaybookID: 2, Priority: 9, IsActive: true})

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-1", 1, nil)))

	jobs := q.all()
	require.Len(t, jobs, 2)
	// Higher priority binding evaluated and enqueued first.
	assert.Equal(t, 9, jobs[0].priority)
	assert.Equal(t, 1, jobs[1].priority)
	assert.Equal(t, 3, jobs[0].maxAttempts)

	// Each launch persisted an execution carrying the event data.
	exec, err := st.GetExecutionByID(context.Background(), jobs[0].executionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), exec.PlaybookID)
	assert.Equal(t, models.ExecutionStatusRunning, exec.Status)
	assert.Contains(t, exec.TriggerData, "event")
}

func TestHandleEventPredicateFilters(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 1, true)
	st.AddBinding(models.Binding{
		ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1,
		Predicate: "severity == 'high'", IsActive: true,
	})

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-low", 1, map[string]any{"severity": "low"})))
	assert.Empty(t, q.all())

	// The rejection leaves an evaluation audit trail.
	entries, err := st.ListAuditLogs(context.Background(), 1, store.AuditFilter{Action: "trigger.evaluated"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditSeverityInfo, entries[0].Severity)
	assert.Equal(t, "ev-low", entries[0].Details["event_id"])
	assert.Equal(t, false, entries[0].Details["matched"])

	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-high", 1, map[string]any{"severity": "high"})))
	assert.Len(t, q.all(), 1)

	// The match is audited by launch, not as an evaluation entry.
	entries, err = st.ListAuditLogs(context.Background(), 1, store.AuditFilter{Action: "trigger.evaluated"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandleEventMalformedPredicateIsolated(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 1, true)
	seedPlaybook(st, t, 2, 1, true)
	st.AddBinding(models.Binding{
		ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1,
		Predicate: "severity ===[ broken", Priority: 5, IsActive: true,
	})
	st.AddBinding(models.Binding{
		ID: 2, OrganizationID: 1, EventType: "alert.created", PlaybookID: 2,
		Predicate: "severity == 'high'", Priority: 1, IsActive: true,
	})

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-1", 1, map[string]any{"severity": "high"})))

	jobs := q.all()
	require.Len(t, jobs, 1, "the malformed binding fails closed, the valid one still fires")
	assert.Equal(t, 1, jobs[0].priority)

	// The fail-closed rejection carries the parse error in its audit entry.
	entries, err := st.ListAuditLogs(context.Background(), 1, store.AuditFilter{Action: "trigger.evaluated"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditSeverityInfo, entries[0].Severity)
	assert.NotEmpty(t, entries[0].Details["predicate_error"])
}

func TestHandleEventSkipsInactiveAndMissingPlaybooks(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 1, false) // inactive
	st.AddBinding(models.Binding{ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1, IsActive: true})
	st.AddBinding(models.Binding{ID: 2, OrganizationID: 1, EventType: "alert.created", PlaybookID: 99, IsActive: true}) // missing

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-1", 1, nil)))
	assert.Empty(t, q.all())
}

func TestHandleEventTriggerFilter(t *testing.T) {
	st := store.NewMemoryStore()
	def, err := models.ParseDefinition([]byte(`{
		"trigger": {"type": "alert", "filter": {"category": ["malware", "phishing"]}},
		"steps": [{"id": "s1", "actionId": "log_message"}]
	}`))
	require.NoError(t, err)
	st.AddPlaybook(&models.Playbook{ID: 1, OrganizationID: 1, IsActive: true, Definition: def})
	st.AddBinding(models.Binding{ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1, IsActive: true})

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-1", 1, map[string]any{"category": "benign"})))
	assert.Empty(t, q.all())

	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-2", 1, map[string]any{"category": "phishing"})))
	assert.Len(t, q.all(), 1)
}

func TestHandleEventEnqueueFailurePropagates(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 1, true)
	st.AddBinding(models.Binding{ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1, IsActive: true})

	q := &fakeQueue{fail: true}
	e := newTestEngine(t, st, q)

	err := e.handleEvent(context.Background(), alertEvent("ev-1", 1, nil))
	require.Error(t, err, "enqueue failures must nack the event")
}

func TestHandleEventRedeliveryDeduplicates(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 1, true)
	st.AddBinding(models.Binding{ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1, IsActive: true})

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	ev := alertEvent("ev-1", 1, nil)
	require.NoError(t, e.handleEvent(context.Background(), ev))
	require.NoError(t, e.handleEvent(context.Background(), ev), "redelivery of the same event")

	assert.Len(t, q.all(), 1, "one launch per (event, binding)")
}

func TestHandleEventCrossOrgBindingsInvisible(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 2, true)
	st.AddBinding(models.Binding{ID: 1, OrganizationID: 2, EventType: "alert.created", PlaybookID: 1, IsActive: true})

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	// Event for org 1 never sees org 2 bindings.
	require.NoError(t, e.handleEvent(context.Background(), alertEvent("ev-1", 1, nil)))
	assert.Empty(t, q.all())
}

func TestEngineConsumesFromStream(t *testing.T) {
	st := store.NewMemoryStore()
	seedPlaybook(st, t, 1, 1, true)
	st.AddBinding(models.Binding{ID: 1, OrganizationID: 1, EventType: "alert.created", PlaybookID: 1, IsActive: true})

	q := &fakeQueue{}
	e := newTestEngine(t, st, q)

	e.Start(context.Background())
	defer e.Stop()

	_, err := e.stream.Publish(context.Background(), alertEvent("ev-live", 1, map[string]any{"severity": "high"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(q.all()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Processed events are acked.
	require.Eventually(t, func() bool {
		n, err := e.stream.PendingCount(context.Background())
		return err == nil && n == 0
	}, 3*time.Second, 20*time.Millisecond)
}
