// Package redisstate implements the shared session state used to coordinate
// concurrent completion streams: the per-chat responding flag (authoritative
// copy in the chats table, mirrored here) and the per-chat interrupt channel.
package redisstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seangpt/chatstream/internal/stream"
)

// RespondingFlags is the authoritative store for the responding flag.
// Satisfied by chat.Repo.
type RespondingFlags interface {
	GetChatResponding(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateChatResponding(ctx context.Context, id uuid.UUID, responding bool) error
}

type Store struct {
	rdb   *redis.Client
	flags RespondingFlags
}

func New(rdb *redis.Client, flags RespondingFlags) *Store {
	return &Store{rdb: rdb, flags: flags}
}

func interruptChannel(chatID uuid.UUID) string {
	return "chat:interrupt:" + chatID.String()
}

func respondingKey(chatID uuid.UUID) string {
	return "chat:responding:" + chatID.String()
}

// IsResponding reads the authoritative flag. The interrupt path needs
// read-after-write consistency, which the relational row provides.
func (s *Store) IsResponding(ctx context.Context, chatID uuid.UUID) (bool, error) {
	return s.flags.GetChatResponding(ctx, chatID)
}

// MarkResponding sets the flag; idempotent. The redis mirror carries a TTL so
// a crashed process cannot wedge the chat forever on the mirror side.
func (s *Store) MarkResponding(ctx context.Context, chatID uuid.UUID) error {
	if err := s.flags.UpdateChatResponding(ctx, chatID, true); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, respondingKey(chatID), "1", 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("redisstate: mark responding: %w", err)
	}
	return nil
}

// ClearResponding must only be called by the stream session that currently
// owns the chat.
func (s *Store) ClearResponding(ctx context.Context, chatID uuid.UUID) error {
	if err := s.flags.UpdateChatResponding(ctx, chatID, false); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, respondingKey(chatID)).Err(); err != nil {
		return fmt.Errorf("redisstate: clear responding: %w", err)
	}
	return nil
}

// PublishInterrupt broadcasts a one-shot advisory interrupt. Delivery is
// at-most-once and non-durable; a subscriber that is not polling misses it.
func (s *Store) PublishInterrupt(ctx context.Context, chatID uuid.UUID) error {
	if err := s.rdb.Publish(ctx, interruptChannel(chatID), "INTERRUPT").Err(); err != nil {
		return fmt.Errorf("redisstate: publish interrupt: %w", err)
	}
	return nil
}

// Subscribe opens the interrupt channel for one stream session. The
// subscription is confirmed before returning so that once MarkResponding has
// published our flag, an interrupt aimed at us cannot be lost. Callers
// publish their own interrupt before subscribing, so it never loops back.
func (s *Store) Subscribe(ctx context.Context, chatID uuid.UUID) (stream.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, interruptChannel(chatID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisstate: subscribe: %w", err)
	}

	sub := &Subscription{ps: ps, ch: make(chan struct{}, 1)}
	go func() {
		for range ps.Channel() {
			select {
			case sub.ch <- struct{}{}:
			default:
			}
		}
	}()
	return sub, nil
}

type Subscription struct {
	ps *redis.PubSub
	ch chan struct{}
}

// Interrupts delivers at most one pending notification; extra publishes
// while the subscriber is busy collapse into it.
func (s *Subscription) Interrupts() <-chan struct{} { return s.ch }

func (s *Subscription) Close() error { return s.ps.Close() }
