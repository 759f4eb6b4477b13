// Package stream is the durable security-event log backing the trigger
// engine: an append-only Redis Stream with consumer groups, explicit
// acknowledgement and redelivery of abandoned entries. Delivery is
// at-least-once; consumers deduplicate on the event ID.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rampartsec/rampart/pkg/config"
	"github.com/rampartsec/rampart/pkg/metrics"
	"github.com/rampartsec/rampart/pkg/models"
)

// Message is one delivered stream entry: the decoded event plus the
// stream ID needed to acknowledge it.
type Message struct {
	StreamID string
	Event    models.Event
}

// Stream wraps a Redis Stream with a single consumer group.
type Stream struct {
	client redis.UniversalClient
	key    string
	group  string
	maxLen int64
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig) (*Stream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Stream, cfg.Group, cfg.MaxLen), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client redis.UniversalClient, key, group string, maxLen int64) *Stream {
	return &Stream{
		client: client,
		key:    key,
		group:  group,
		maxLen: maxLen,
		logger: slog.With("component", "stream", "stream", key),
	}
}

// EnsureGroup creates the consumer group at the stream tail if it does
// not exist yet. Existing groups keep their position.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.key, s.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", s.group, err)
	}
	return nil
}

// Publish appends an event to the stream. The entry survives consumer
// restarts; trimming is approximate against the configured max length.
func (s *Stream) Publish(ctx context.Context, event models.Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"event": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append event %s: %w", event.ID, err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()
	return id, nil
}

// Read blocks up to `block` waiting for undelivered entries for the
// named consumer. A nil slice with nil error means the block timed out.
func (s *Stream) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return s.decode(res), nil
}

// Ack acknowledges processed entries, removing them from the group's
// pending list. Unacked entries are redelivered by Reclaim.
func (s *Stream) Ack(ctx context.Context, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.key, s.group, streamIDs...).Err(); err != nil {
		return fmt.Errorf("failed to ack %d entries: %w", len(streamIDs), err)
	}
	return nil
}

// Reclaim transfers entries pending longer than minIdle to the named
// consumer and returns them for reprocessing. This is the redelivery
// path for consumers that died mid-event.
func (s *Stream) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	entries, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.key,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to reclaim pending entries: %w", err)
	}

	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		if msg, ok := s.decodeEntry(entry); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// PendingCount reports how many delivered-but-unacked entries the group
// holds. Exposed as a gauge.
func (s *Stream) PendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, s.key, s.group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect pending entries: %w", err)
	}
	return pending.Count, nil
}

// Close releases the Redis connection.
func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) decode(res []redis.XStream) []Message {
	var msgs []Message
	for _, xs := range res {
		for _, entry := range xs.Messages {
			if msg, ok := s.decodeEntry(entry); ok {
				msgs = append(msgs, msg)
			}
		}
	}
	return msgs
}

// decodeEntry drops malformed entries after logging them; they are
// acked immediately so they never wedge the pending list.
func (s *Stream) decodeEntry(entry redis.XMessage) (Message, bool) {
	raw, ok := entry.Values["event"].(string)
	if !ok {
		s.logger.Warn("Dropping stream entry without event payload", "stream_id", entry.ID)
		s.ackQuietly(entry.ID)
		return Message{}, false
	}
	var event models.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		s.logger.Warn("Dropping undecodable stream entry", "stream_id", entry.ID, "error", err)
		s.ackQuietly(entry.ID)
		return Message{}, false
	}
	return Message{StreamID: entry.ID, Event: event}, true
}

func (s *Stream) ackQuietly(streamID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ack(ctx, streamID); err != nil {
		s.logger.Warn("Failed to ack malformed entry", "stream_id", streamID, "error", err)
	}
}
