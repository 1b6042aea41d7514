package memory

import (
	"context"
	"sync"

	audit "onchainkyc/pkg/platform/audit"
)

type InMemoryStore struct {
	mu       sync.RWMutex
	events   []audit.Event
	byWallet map[string][]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byWallet: make(map[string][]int)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byWallet[event.Wallet] = append(s.byWallet[event.Wallet], len(s.events))
	s.events = append(s.events, event)
	return nil
}

// ListByWallet returns a wallet's events in emission order.
func (s *InMemoryStore) ListByWallet(_ context.Context, wallet string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, 0, len(s.byWallet[wallet]))
	for _, i := range s.byWallet[wallet] {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *InMemoryStore) ListAll(_ context.Context) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events...), nil
}

// ListRecent returns the most recent N events, newest last.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := max(len(s.events)-limit, 0)
	return append([]audit.Event{}, s.events[start:]...), nil
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.byWallet = make(map[string][]int)
}
