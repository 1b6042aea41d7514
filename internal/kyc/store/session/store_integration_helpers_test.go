//go:build integration

package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/kyc/store/session"
	"onchainkyc/pkg/requestcontext"
)

// backend is the contract exercised against every durable store.
type backend interface {
	Create(ctx context.Context, sess *models.Session) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	FindOpenByWallet(ctx context.Context, wallet string) (*models.Session, error)
	FindLatestTerminalByWallet(ctx context.Context, wallet string) (*models.Session, error)
	Transition(ctx context.Context, id uuid.UUID, expected, next models.SessionState, mutate session.Mutator) (*models.Session, error)
	MarkCommitted(ctx context.Context, id uuid.UUID, at time.Time) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Session, error)
	ListUncommitted(ctx context.Context, limit int) ([]*models.Session, error)
	CountVerified(ctx context.Context) (int64, error)
	CountVerifiedWallets(ctx context.Context) (int64, error)
	CountVerifiedByWallet(ctx context.Context, wallet string) (int64, error)
}

// contractSuite holds the behavior shared by the Postgres and Redis suites.
type contractSuite struct {
	suite.Suite
	store backend
	ctx   context.Context
	now   time.Time
}

func (s *contractSuite) resetClock() {
	s.now = time.Now().UTC().Truncate(time.Millisecond)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *contractSuite) newSession(wallet string) *models.Session {
	sess, err := models.NewSession(uuid.New(), wallet, models.DefaultRequirements(), "kyc-scope", "cfg-1", s.now, 15*time.Minute)
	s.Require().NoError(err)
	return sess
}

func toProofReceived(sess *models.Session) error {
	sess.Pending = &models.Pending{
		Nullifier:     "nf-" + sess.ID.String(),
		AttestationID: "1",
		Attributes:    models.Attributes{Nationality: "DEU", DocumentType: models.DocumentTypePassport, AgeAtLeast: 30},
	}
	return nil
}

func toVerified(sess *models.Session) error {
	attrs := sess.Pending.Attributes
	sess.Result = &models.Result{
		Attributes:    &attrs,
		Nullifier:     sess.Pending.Nullifier,
		AttestationID: sess.Pending.AttestationID,
		FinalizedAt:   sess.UpdatedAt,
	}
	return nil
}

func (s *contractSuite) verify(sess *models.Session) {
	_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateProofReceived, toProofReceived)
	s.Require().NoError(err)
	_, err = s.store.Transition(s.ctx, sess.ID, models.SessionStateProofReceived, models.SessionStateVerified, toVerified)
	s.Require().NoError(err)
}

func (s *contractSuite) TestRoundTripPreservesPayloads() {
	sess := s.newSession("0x1000000000000000000000000000000000000001")
	s.Require().NoError(s.store.Create(s.ctx, sess))
	_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateProofReceived, toProofReceived)
	s.Require().NoError(err)

	found, err := s.store.FindByID(s.ctx, sess.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionStateProofReceived, found.State)
	s.Require().NotNil(found.Pending)
	s.Equal("DEU", found.Pending.Attributes.Nationality)
	s.Equal(sess.Requirements, found.Requirements)
	s.True(found.ExpiresAt.Equal(sess.ExpiresAt))
}

func (s *contractSuite) TestOneOpenSessionPerWallet() {
	wallet := "0x1000000000000000000000000000000000000002"
	const goroutines = 16
	var wg sync.WaitGroup
	var created, conflicts atomic.Int32
	sessions := make([]*models.Session, goroutines)
	for i := range sessions {
		sessions[i] = s.newSession(wallet)
	}
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *models.Session) {
			defer wg.Done()
			err := s.store.Create(s.ctx, sess)
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, session.ErrConflict):
				conflicts.Add(1)
			}
		}(sess)
	}
	wg.Wait()

	s.Equal(int32(1), created.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
}

func (s *contractSuite) TestConcurrentTransitionSingleWinner() {
	sess := s.newSession("0x1000000000000000000000000000000000000003")
	s.Require().NoError(s.store.Create(s.ctx, sess))

	const goroutines = 16
	var wg sync.WaitGroup
	var wins, stale atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateProofReceived, toProofReceived)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, session.ErrStaleTransition):
				stale.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(goroutines-1), stale.Load())
}

func (s *contractSuite) TestVerifiedIndexesAndCommit() {
	wallet := "0x1000000000000000000000000000000000000004"
	first := s.newSession(wallet)
	s.Require().NoError(s.store.Create(s.ctx, first))
	s.verify(first)

	_, err := s.store.FindOpenByWallet(s.ctx, wallet)
	s.Require().ErrorIs(err, session.ErrNotFound)

	latest, err := s.store.FindLatestTerminalByWallet(s.ctx, wallet)
	s.Require().NoError(err)
	s.Equal(first.ID, latest.ID)

	uncommitted, err := s.store.ListUncommitted(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(uncommitted, 1)

	s.Require().NoError(s.store.MarkCommitted(s.ctx, first.ID, s.now))
	uncommitted, err = s.store.ListUncommitted(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(uncommitted)

	second := s.newSession(wallet)
	s.Require().NoError(s.store.Create(s.ctx, second))
	s.verify(second)

	total, err := s.store.CountVerified(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), total)
	wallets, err := s.store.CountVerifiedWallets(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), wallets)
	byWallet, err := s.store.CountVerifiedByWallet(s.ctx, wallet)
	s.Require().NoError(err)
	s.Equal(int64(2), byWallet)
}

func (s *contractSuite) TestExpiredPendingListing() {
	sess := s.newSession("0x1000000000000000000000000000000000000005")
	s.Require().NoError(s.store.Create(s.ctx, sess))

	none, err := s.store.ListExpiredPending(s.ctx, s.now, 10)
	s.Require().NoError(err)
	s.Empty(none)

	due, err := s.store.ListExpiredPending(s.ctx, sess.ExpiresAt.Add(time.Second), 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)

	_, err = s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateExpired, nil)
	s.Require().NoError(err)

	due, err = s.store.ListExpiredPending(s.ctx, sess.ExpiresAt.Add(time.Second), 10)
	s.Require().NoError(err)
	s.Empty(due)
}
