package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/pkg/platform/sentinel"
	"onchainkyc/pkg/requestcontext"
)

type SessionStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	now   time.Time
}

func TestSessionStoreSuite(t *testing.T) {
	suite.Run(t, new(SessionStoreSuite))
}

func (s *SessionStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *SessionStoreSuite) newSession(wallet string) *models.Session {
	sess, err := models.NewSession(uuid.New(), wallet, models.DefaultRequirements(), "kyc-scope", "cfg-1", s.now, 15*time.Minute)
	s.Require().NoError(err)
	return sess
}

func pendingProof() Mutator {
	return func(sess *models.Session) error {
		sess.Pending = &models.Pending{
			Nullifier:     "nf-1",
			AttestationID: "1",
			Attributes:    models.Attributes{Nationality: "DEU", DocumentType: models.DocumentTypePassport, AgeAtLeast: 21},
		}
		return nil
	}
}

func verifiedResult() Mutator {
	return func(sess *models.Session) error {
		attrs := sess.Pending.Attributes
		sess.Result = &models.Result{
			Attributes:    &attrs,
			Nullifier:     sess.Pending.Nullifier,
			AttestationID: sess.Pending.AttestationID,
			FinalizedAt:   sess.UpdatedAt,
		}
		return nil
	}
}

func (s *SessionStoreSuite) verify(sess *models.Session) *models.Session {
	_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateProofReceived, pendingProof())
	s.Require().NoError(err)
	out, err := s.store.Transition(s.ctx, sess.ID, models.SessionStateProofReceived, models.SessionStateVerified, verifiedResult())
	s.Require().NoError(err)
	return out
}

func (s *SessionStoreSuite) TestCreate() {
	s.Run("stores a copy and indexes the open session", func() {
		sess := s.newSession("0xaaaa000000000000000000000000000000000001")
		s.Require().NoError(s.store.Create(s.ctx, sess))

		sess.Scope = "mutated"
		found, err := s.store.FindByID(s.ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal("kyc-scope", found.Scope)

		open, err := s.store.FindOpenByWallet(s.ctx, sess.Wallet)
		s.Require().NoError(err)
		s.Equal(sess.ID, open.ID)
	})

	s.Run("rejects a second open session for the same wallet", func() {
		wallet := "0xaaaa000000000000000000000000000000000002"
		s.Require().NoError(s.store.Create(s.ctx, s.newSession(wallet)))

		err := s.store.Create(s.ctx, s.newSession(wallet))
		s.Require().ErrorIs(err, ErrConflict)
	})

	s.Run("allows a new session once the previous one is terminal", func() {
		wallet := "0xaaaa000000000000000000000000000000000003"
		first := s.newSession(wallet)
		s.Require().NoError(s.store.Create(s.ctx, first))
		_, err := s.store.Transition(s.ctx, first.ID, models.SessionStatePending, models.SessionStateExpired, nil)
		s.Require().NoError(err)

		s.Require().NoError(s.store.Create(s.ctx, s.newSession(wallet)))
	})

	s.Run("concurrent creates for one wallet produce exactly one session", func() {
		wallet := "0xaaaa000000000000000000000000000000000004"
		const goroutines = 32
		var wg sync.WaitGroup
		var created, conflicts atomic.Int32
		for range goroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.store.Create(s.ctx, s.newSession(wallet))
				switch {
				case err == nil:
					created.Add(1)
				case errors.Is(err, ErrConflict):
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()
		s.Equal(int32(1), created.Load())
		s.Equal(int32(goroutines-1), conflicts.Load())
	})
}

func (s *SessionStoreSuite) TestFind() {
	s.Run("unknown id returns ErrNotFound", func() {
		_, err := s.store.FindByID(s.ctx, uuid.New())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("wallet without open session returns ErrNotFound", func() {
		_, err := s.store.FindOpenByWallet(s.ctx, "0xbbbb000000000000000000000000000000000001")
		s.Require().ErrorIs(err, ErrNotFound)
	})

	s.Run("latest terminal session includes expired ones", func() {
		wallet := "0xbbbb000000000000000000000000000000000002"
		first := s.newSession(wallet)
		s.Require().NoError(s.store.Create(s.ctx, first))
		s.verify(first)

		second := s.newSession(wallet)
		s.Require().NoError(s.store.Create(s.ctx, second))
		later := requestcontext.WithTime(context.Background(), s.now.Add(time.Hour))
		_, err := s.store.Transition(later, second.ID, models.SessionStatePending, models.SessionStateExpired, nil)
		s.Require().NoError(err)

		latest, err := s.store.FindLatestTerminalByWallet(s.ctx, wallet)
		s.Require().NoError(err)
		s.Equal(second.ID, latest.ID)

		n, err := s.store.CountVerifiedByWallet(s.ctx, wallet)
		s.Require().NoError(err)
		s.Equal(int64(1), n)
	})
}

func (s *SessionStoreSuite) TestTransition() {
	s.Run("walks the happy path and clears the open pointer", func() {
		sess := s.newSession("0xcccc000000000000000000000000000000000001")
		s.Require().NoError(s.store.Create(s.ctx, sess))

		out := s.verify(sess)
		s.Equal(models.SessionStateVerified, out.State)
		s.Nil(out.Pending)
		s.Require().NotNil(out.Result)
		s.Equal("nf-1", out.Result.Nullifier)

		_, err := s.store.FindOpenByWallet(s.ctx, sess.Wallet)
		s.ErrorIs(err, ErrNotFound)
	})

	s.Run("wrong expected state is a stale transition", func() {
		sess := s.newSession("0xcccc000000000000000000000000000000000002")
		s.Require().NoError(s.store.Create(s.ctx, sess))

		_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStateProofReceived, models.SessionStateVerified, verifiedResult())
		s.Require().ErrorIs(err, ErrStaleTransition)
	})

	s.Run("illegal edges are refused", func() {
		sess := s.newSession("0xcccc000000000000000000000000000000000003")
		s.Require().NoError(s.store.Create(s.ctx, sess))
		s.verify(sess)

		_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStateVerified, models.SessionStateRejected, nil)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)

		_, err = s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateVerified, nil)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("mutator that breaks invariants leaves the session untouched", func() {
		sess := s.newSession("0xcccc000000000000000000000000000000000004")
		s.Require().NoError(s.store.Create(s.ctx, sess))

		_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateRejected, nil)
		s.Require().Error(err)

		found, err := s.store.FindByID(s.ctx, sess.ID)
		s.Require().NoError(err)
		s.Equal(models.SessionStatePending, found.State)
	})

	s.Run("concurrent transitions from one state have exactly one winner", func() {
		sess := s.newSession("0xcccc000000000000000000000000000000000005")
		s.Require().NoError(s.store.Create(s.ctx, sess))

		const goroutines = 32
		var wg sync.WaitGroup
		var wins, stale atomic.Int32
		for range goroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.store.Transition(s.ctx, sess.ID, models.SessionStatePending, models.SessionStateProofReceived, pendingProof())
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrStaleTransition):
					stale.Add(1)
				}
			}()
		}
		wg.Wait()
		s.Equal(int32(1), wins.Load())
		s.Equal(int32(goroutines-1), stale.Load())
	})
}

func (s *SessionStoreSuite) TestMarkCommitted() {
	s.Run("marks once and drops the session from the uncommitted list", func() {
		sess := s.newSession("0xdddd000000000000000000000000000000000001")
		s.Require().NoError(s.store.Create(s.ctx, sess))
		s.verify(sess)

		pending, err := s.store.ListUncommitted(s.ctx, 10)
		s.Require().NoError(err)
		s.Len(pending, 1)

		at := s.now.Add(time.Minute)
		s.Require().NoError(s.store.MarkCommitted(s.ctx, sess.ID, at))
		s.Require().NoError(s.store.MarkCommitted(s.ctx, sess.ID, at.Add(time.Hour)))

		found, err := s.store.FindByID(s.ctx, sess.ID)
		s.Require().NoError(err)
		s.Require().NotNil(found.CommittedAt)
		s.True(found.CommittedAt.Equal(at))

		pending, err = s.store.ListUncommitted(s.ctx, 10)
		s.Require().NoError(err)
		s.Empty(pending)
	})

	s.Run("refuses sessions that are not verified", func() {
		sess := s.newSession("0xdddd000000000000000000000000000000000002")
		s.Require().NoError(s.store.Create(s.ctx, sess))

		err := s.store.MarkCommitted(s.ctx, sess.ID, s.now)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})
}

func (s *SessionStoreSuite) TestListsAndCounts() {
	walletA := "0xeeee000000000000000000000000000000000001"
	walletB := "0xeeee000000000000000000000000000000000002"

	a1 := s.newSession(walletA)
	s.Require().NoError(s.store.Create(s.ctx, a1))
	s.verify(a1)
	a2 := s.newSession(walletA)
	s.Require().NoError(s.store.Create(s.ctx, a2))
	s.verify(a2)
	b1 := s.newSession(walletB)
	s.Require().NoError(s.store.Create(s.ctx, b1))

	total, err := s.store.CountVerified(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), total)

	wallets, err := s.store.CountVerifiedWallets(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), wallets)

	pending, err := s.store.ListByState(s.ctx, models.SessionStatePending, 0)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(b1.ID, pending[0].ID)

	expired, err := s.store.ListExpiredPending(s.ctx, s.now.Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(expired)

	expired, err = s.store.ListExpiredPending(s.ctx, b1.ExpiresAt, 10)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(b1.ID, expired[0].ID)

	limited, err := s.store.ListByState(s.ctx, models.SessionStateVerified, 1)
	s.Require().NoError(err)
	s.Len(limited, 1)
}
