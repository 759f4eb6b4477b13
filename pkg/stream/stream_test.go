package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rampartsec/rampart/pkg/models"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewWithClient(client, "rampart:events", "trigger-engine", 1000)
	require.NoError(t, s.EnsureGroup(context.Background()))
	return s
}

func event(id string, org int64) models.Event {
	return models.Event{
		ID:             id,
		Type:           "alert.created",
		EntityID:       11,
		EntityType:     models.EntityAlert,
		OrganizationID: org,
		Timestamp:      time.Now().UTC(),
		Data:           map[string]any{"severity": "high"},
	}
}

func TestPublishRead(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	id1, err := s.Publish(ctx, event("evt-1", 1))
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	_, err = s.Publish(ctx, event("evt-2", 1))
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// Append order preserved.
	assert.Equal(t, "evt-1", msgs[0].Event.ID)
	assert.Equal(t, "evt-2", msgs[1].Event.ID)
	assert.Equal(t, "alert.created", msgs[0].Event.Type)
	assert.Equal(t, int64(1), msgs[0].Event.OrganizationID)
	assert.Equal(t, "high", msgs[0].Event.Data["severity"])
}

func TestReadDoesNotRedeliverWithinGroup(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	_, err := s.Publish(ctx, event("evt-1", 1))
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A second consumer in the same group sees nothing new.
	msgs, err = s.Read(ctx, "c2", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAckClearsPending(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	_, err := s.Publish(ctx, event("evt-1", 1))
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Ack(ctx, msgs[0].StreamID))

	n, err = s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Acking nothing is a no-op.
	require.NoError(t, s.Ack(ctx))
}

func TestReclaimRedeliversAbandonedEntries(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	_, err := s.Publish(ctx, event("evt-1", 1))
	require.NoError(t, err)

	// c1 reads but never acks.
	msgs, err := s.Read(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	reclaimed, err := s.Reclaim(ctx, "c2", 0, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "evt-1", reclaimed[0].Event.ID)
	assert.Equal(t, msgs[0].StreamID, reclaimed[0].StreamID)
}

func TestGroupStartsAtTail(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	s := NewWithClient(client, "rampart:events", "trigger-engine", 1000)

	// Events published before the group exists are not delivered to it.
	_, err := s.Publish(ctx, event("old", 1))
	require.NoError(t, err)

	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, s.EnsureGroup(ctx)) // idempotent

	_, err = s.Publish(ctx, event("new", 1))
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Event.ID)
}
