//go:build integration

package nullifier_test

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
	"onchainkyc/internal/kyc/store/nullifier"
	"onchainkyc/pkg/testutil/containers"
)

type ledger interface {
	ReserveIfUnused(ctx context.Context, rec models.NullifierRecord) (*models.NullifierRecord, error)
	Find(ctx context.Context, nullifier string) (*models.NullifierRecord, error)
	Count(ctx context.Context) (int64, error)
}

type ledgerSuite struct {
	suite.Suite
	store ledger
}

func newRecord(n string) models.NullifierRecord {
	return models.NullifierRecord{
		Nullifier:  n,
		SessionID:  uuid.New(),
		Wallet:     "0xabc0000000000000000000000000000000000002",
		ConsumedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func (s *ledgerSuite) TestReserveReturnsHolder() {
	ctx := context.Background()
	first := newRecord("nf-holder")
	_, err := s.store.ReserveIfUnused(ctx, first)
	s.Require().NoError(err)

	existing, err := s.store.ReserveIfUnused(ctx, newRecord("nf-holder"))
	s.Require().ErrorIs(err, nullifier.ErrAlreadyConsumed)
	s.Require().NotNil(existing)
	s.Equal(first.SessionID, existing.SessionID)
	s.Equal(first.Wallet, existing.Wallet)
}

func (s *ledgerSuite) TestConcurrentReservationsSingleWinner() {
	ctx := context.Background()
	const goroutines = 32
	var wg sync.WaitGroup
	var wins, consumed atomic.Int32
	for range goroutines {
		rec := newRecord("nf-concurrent")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.ReserveIfUnused(ctx, rec)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, nullifier.ErrAlreadyConsumed):
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(goroutines-1), consumed.Load())

	n, err := s.store.Count(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

type PostgresLedgerSuite struct {
	ledgerSuite
	postgres *containers.PostgresContainer
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = nullifier.NewPostgres(s.postgres.DB)
}

func (s *PostgresLedgerSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "kyc_nullifiers"))
}

type RedisLedgerSuite struct {
	ledgerSuite
	redis *containers.RedisContainer
}

func TestRedisLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLedgerSuite))
}

func (s *RedisLedgerSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = nullifier.NewRedis(s.redis.Client)
}

func (s *RedisLedgerSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}
