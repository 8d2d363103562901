package port

import (
	"context"

	"github.com/rl1809/order-pipeline/internal/core/domain"
)

// EventPublisher delivers outbox events to the external message channel.
// Publish returns only after the channel has acknowledged the write, so a
// nil error means downstream consumers will eventually see the event.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.OutboxEvent) error
}
