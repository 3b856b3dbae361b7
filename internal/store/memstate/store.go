// Package memstate is an in-process session state store with the same
// contract as redisstate. Selected by STATE_STORE=memory for single-process
// deployments and used as the test double (no runtime patching).
package memstate

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/seangpt/chatstream/internal/stream"
)

type Store struct {
	mu         sync.Mutex
	responding map[uuid.UUID]bool
	subs       map[uuid.UUID]map[*Subscription]struct{}
}

func New() *Store {
	return &Store{
		responding: make(map[uuid.UUID]bool),
		subs:       make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

func (s *Store) IsResponding(_ context.Context, chatID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responding[chatID], nil
}

func (s *Store) MarkResponding(_ context.Context, chatID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responding[chatID] = true
	return nil
}

func (s *Store) ClearResponding(_ context.Context, chatID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responding[chatID] = false
	return nil
}

func (s *Store) PublishInterrupt(_ context.Context, chatID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[chatID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, chatID uuid.UUID) (stream.Subscription, error) {
	sub := &Subscription{store: s, chatID: chatID, ch: make(chan struct{}, 1)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[chatID] == nil {
		s.subs[chatID] = make(map[*Subscription]struct{})
	}
	s.subs[chatID][sub] = struct{}{}
	return sub, nil
}

type Subscription struct {
	store  *Store
	chatID uuid.UUID
	ch     chan struct{}
	once   sync.Once
}

func (s *Subscription) Interrupts() <-chan struct{} { return s.ch }

func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		delete(s.store.subs[s.chatID], s)
	})
	return nil
}
