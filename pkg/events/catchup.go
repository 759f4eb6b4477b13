package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// CatchupEvent is one persisted event returned by a catchup query.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupQuerier queries persisted events for the catchup mechanism.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// CatchupStore reads the events table for reconnect catchup and prunes
// delivered rows past their retention window.
type CatchupStore struct {
	db *sql.DB
}

// NewCatchupStore wraps the shared connection pool.
func NewCatchupStore(db *sql.DB) *CatchupStore {
	return &CatchupStore{db: db}
}

// GetCatchupEvents returns persisted events on a channel newer than
// sinceID, oldest first, capped at limit.
func (s *CatchupStore) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`,
		channel, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []CatchupEvent
	for rows.Next() {
		var (
			evt CatchupEvent
			raw []byte
		)
		if err := rows.Scan(&evt.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan catchup event: %w", err)
		}
		if err := json.Unmarshal(raw, &evt.Payload); err != nil {
			slog.Warn("Skipping corrupt persisted event", "event_id", evt.ID, "error", err)
			continue
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Prune deletes persisted events older than the retention cutoff.
// Run periodically; the live channel is best-effort so losing old rows
// only limits how far back catchup can reach.
func (s *CatchupStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
