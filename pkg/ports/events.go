package ports

import (
	"context"

	"github.com/weftworks/weft/pkg/domain"
)

// EventHandler processes one event delivered by a subscription.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes execution lifecycle events to streaming consumers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
