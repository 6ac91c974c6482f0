// Package async is the event bus between pipeline stages. Delivery is
// at-least-once, so every handler must be idempotent.
package async

import (
	"context"

	"github.com/joseph-ayodele/secateur/internal/entity"
)

// Handler processes one delivered job. A returned error is logged; the
// delivery is not retried.
type Handler func(ctx context.Context, job entity.Descriptor) error

// Publisher emits jobs onto a topic.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, job entity.Descriptor) error
}

// Bus carries jobs between stages, one consumer group per topic.
type Bus interface {
	Publisher
	Subscribe(topic Topic, h Handler) error
	Shutdown(ctx context.Context)
}
