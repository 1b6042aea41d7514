package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"onchainkyc/internal/kyc/models"
)

// InMemoryStore keeps sessions in process memory. Every method holds the
// mutex for the whole read-check-write so transitions are linearized.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*models.Session
	open     map[string]uuid.UUID
	byWallet map[string][]uuid.UUID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[uuid.UUID]*models.Session),
		open:     make(map[string]uuid.UUID),
		byWallet: make(map[string][]uuid.UUID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, sess *models.Session) error {
	if err := sess.CheckInvariants(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists: %w", sess.ID, ErrConflict)
	}
	if sess.State.IsOpen() {
		if _, exists := s.open[sess.Wallet]; exists {
			return fmt.Errorf("wallet has an open session: %w", ErrConflict)
		}
		s.open[sess.Wallet] = sess.ID
	}
	s.sessions[sess.ID] = sess.Clone()
	s.byWallet[sess.Wallet] = append(s.byWallet[sess.Wallet], sess.ID)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) FindOpenByWallet(_ context.Context, wallet string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[wallet]
	if !ok {
		return nil, ErrNotFound
	}
	return s.sessions[id].Clone(), nil
}

func (s *InMemoryStore) FindLatestTerminalByWallet(_ context.Context, wallet string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Session
	for _, id := range s.byWallet[wallet] {
		sess := s.sessions[id]
		if !sess.State.IsTerminal() {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *InMemoryStore) CountVerifiedByWallet(_ context.Context, wallet string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range s.byWallet[wallet] {
		if s.sessions[id].State == models.SessionStateVerified {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Transition(ctx context.Context, id uuid.UUID, expected, next models.SessionState, mutate Mutator) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated, err := applyTransition(ctx, current, expected, next, mutate)
	if err != nil {
		return nil, err
	}
	s.sessions[id] = updated
	if !next.IsOpen() && s.open[updated.Wallet] == id {
		delete(s.open, updated.Wallet)
	}
	return updated.Clone(), nil
}

func (s *InMemoryStore) MarkCommitted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	updated, changed, err := applyCommit(current, at)
	if err != nil {
		return err
	}
	if changed {
		s.sessions[id] = updated
	}
	return nil
}

func (s *InMemoryStore) ListByState(_ context.Context, state models.SessionState, limit int) ([]*models.Session, error) {
	return s.list(limit, func(sess *models.Session) bool {
		return sess.State == state
	}), nil
}

func (s *InMemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*models.Session, error) {
	return s.list(limit, func(sess *models.Session) bool {
		return sess.IsElapsed(now)
	}), nil
}

func (s *InMemoryStore) ListUncommitted(_ context.Context, limit int) ([]*models.Session, error) {
	return s.list(limit, func(sess *models.Session) bool {
		return sess.State == models.SessionStateVerified && sess.CommittedAt == nil
	}), nil
}

func (s *InMemoryStore) CountVerified(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.State == models.SessionStateVerified {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountVerifiedWallets(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallets := make(map[string]struct{})
	for _, sess := range s.sessions {
		if sess.State == models.SessionStateVerified {
			wallets[sess.Wallet] = struct{}{}
		}
	}
	return int64(len(wallets)), nil
}

// list returns matches oldest first so batch workers make steady progress.
func (s *InMemoryStore) list(limit int, match func(*models.Session) bool) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if match(sess) {
			out = append(out, sess.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}
