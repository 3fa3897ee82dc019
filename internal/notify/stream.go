package notify

import (
	"context"

	"github.com/nidhogg/nuka-memory/internal/events"
	"github.com/nidhogg/nuka-memory/internal/health"
)

// Publisher is the subset of the event bus used for alerts.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// StreamNotifier publishes health reports on the event bus.
type StreamNotifier struct {
	pub Publisher
}

// NewStreamNotifier wraps an event publisher.
func NewStreamNotifier(pub Publisher) *StreamNotifier {
	return &StreamNotifier{pub: pub}
}

func (n *StreamNotifier) Name() string { return "redis-stream" }

// Notify publishes the report as a health.alert event.
func (n *StreamNotifier) Notify(ctx context.Context, rep *health.Report) error {
	return n.pub.Publish(ctx, events.KindHealthAlert, rep)
}
