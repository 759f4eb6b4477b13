package bus

import (
	"context"
	"fmt"

	"github.com/rampartsec/rampart/pkg/models"
)

// StreamAppender is the durable tier the publisher writes through.
// *stream.Stream satisfies it.
type StreamAppender interface {
	Publish(ctx context.Context, event models.Event) (string, error)
}

// Publisher is the two-tier publish path: durable append first, then
// in-process fan-out. When the append fails the publish fails and no
// local subscriber sees the event.
type Publisher struct {
	stream StreamAppender
	bus    *Bus
}

// NewPublisher combines the durable stream with the local bus. bus may
// be nil when no in-process subscribers exist.
func NewPublisher(stream StreamAppender, bus *Bus) *Publisher {
	return &Publisher{stream: stream, bus: bus}
}

// Publish appends the event to the durable stream and returns its
// stream position. Local fan-out happens after a successful append and
// is best-effort.
func (p *Publisher) Publish(ctx context.Context, ev models.Event) (string, error) {
	streamID, err := p.stream.Publish(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("durable publish failed: %w", err)
	}
	if p.bus != nil {
		p.bus.Publish(ev)
	}
	return streamID, nil
}
