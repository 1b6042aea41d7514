//go:build integration

package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"onchainkyc/internal/platform/config"
	"onchainkyc/internal/platform/kafka"
	audit "onchainkyc/pkg/platform/audit"
	"onchainkyc/pkg/platform/audit/outbox"
	auditpg "onchainkyc/pkg/platform/audit/store/postgres"
	"onchainkyc/pkg/testutil/containers"
)

type RelaySuite struct {
	suite.Suite
	pg       *containers.PostgresContainer
	cfg      config.KafkaConfig
	store    *auditpg.Store
	producer *kafka.Producer
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupSuite() {
	s.pg = containers.GetManager().GetPostgres(s.T())
	rp := containers.GetManager().GetRedpanda(s.T())
	s.cfg = config.Default().Kafka
	s.cfg.Enabled = true
	s.cfg.Brokers = rp.Brokers
	s.cfg.Topic = "kyc.audit.relay-test"
	s.cfg.Partitions = 1
	s.store = auditpg.New(s.pg.DB)

	ctx := context.Background()
	producer, err := kafka.NewProducer(ctx, s.cfg)
	s.Require().NoError(err)
	s.Require().NoError(kafka.EnsureTopic(ctx, producer.Client(), s.cfg))
	s.producer = producer
}

func (s *RelaySuite) TearDownSuite() {
	if s.producer != nil {
		s.producer.Close()
	}
}

func (s *RelaySuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "outbox"))
}

func (s *RelaySuite) TestAppendedEventsReachKafka() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wallet := "0x52908400098527886e0f7030069857d2e4169ee7"
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Action:    string(audit.EventSessionInitiated),
		Wallet:    wallet,
		SessionID: "11111111-1111-1111-1111-111111111111",
		Timestamp: time.Now(),
	}))
	s.Require().NoError(s.store.Append(ctx, audit.Event{
		Action:    string(audit.EventSessionVerified),
		Wallet:    wallet,
		Decision:  "verified",
		Timestamp: time.Now(),
	}))

	backlog, err := s.store.CountUnprocessed(ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), backlog)

	relay := outbox.NewRelay(s.store, s.producer, outbox.WithDB(s.pg.DB))
	n, err := relay.RelayOnce(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)

	backlog, err = s.store.CountUnprocessed(ctx)
	s.Require().NoError(err)
	s.Zero(backlog)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ConsumeTopics(s.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	var keys []string
	for len(keys) < 2 {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) { keys = append(keys, string(r.Key)) })
	}
	s.Equal([]string{wallet, wallet}, keys)
}
