//go:build integration

package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"onchainkyc/internal/kyc/store/session"
	"onchainkyc/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	contractSuite
	redis *containers.RedisContainer
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.store = session.NewRedis(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.resetClock()
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}
