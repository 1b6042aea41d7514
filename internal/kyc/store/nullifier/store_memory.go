package nullifier

import (
	"context"
	"sync"

	"onchainkyc/internal/kyc/models"
)

type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]models.NullifierRecord
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]models.NullifierRecord)}
}

// ReserveIfUnused stores rec unless the nullifier is already held, in which
// case the holder is returned with ErrAlreadyConsumed.
func (s *InMemoryStore) ReserveIfUnused(_ context.Context, rec models.NullifierRecord) (*models.NullifierRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.Nullifier]; ok {
		return &existing, ErrAlreadyConsumed
	}
	s.records[rec.Nullifier] = rec
	return nil, nil
}

func (s *InMemoryStore) Find(_ context.Context, nullifier string) (*models.NullifierRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nullifier]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}
