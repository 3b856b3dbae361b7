package stream

import (
	"context"

	"github.com/google/uuid"
)

// State is the shared session state store coordinating concurrent stream
// sessions for a chat. Implemented by redisstate.Store and memstate.Store.
type State interface {
	IsResponding(ctx context.Context, chatID uuid.UUID) (bool, error)
	MarkResponding(ctx context.Context, chatID uuid.UUID) error
	ClearResponding(ctx context.Context, chatID uuid.UUID) error
	PublishInterrupt(ctx context.Context, chatID uuid.UUID) error
	Subscribe(ctx context.Context, chatID uuid.UUID) (Subscription, error)
}

// Subscription is a receive-only interrupt channel scoped to one stream
// session.
type Subscription interface {
	Interrupts() <-chan struct{}
	Close() error
}
