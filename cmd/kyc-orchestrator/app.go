package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	kycmetrics "onchainkyc/internal/kyc/metrics"
	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/kyc/oracle"
	"onchainkyc/internal/kyc/proof"
	"onchainkyc/internal/kyc/service"
	"onchainkyc/internal/kyc/store/nullifier"
	"onchainkyc/internal/kyc/store/session"
	"onchainkyc/internal/platform/config"
	"onchainkyc/internal/platform/kafka"
	"onchainkyc/internal/platform/postgres"
	kycredis "onchainkyc/internal/platform/redis"
	"onchainkyc/internal/platform/tracing"
	audit "onchainkyc/pkg/platform/audit"
	"onchainkyc/pkg/platform/audit/outbox"
	"onchainkyc/pkg/platform/audit/publisher"
	auditmemory "onchainkyc/pkg/platform/audit/store/memory"
	auditpostgres "onchainkyc/pkg/platform/audit/store/postgres"
	"onchainkyc/pkg/platform/circuit"
)

// app holds every long-lived dependency of the process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *kycmetrics.Metrics
	tracing  *tracing.Provider

	db    *sql.DB
	redis *kycredis.Client

	service   *service.Service
	retrier   *oracle.Retrier
	publisher *publisher.Publisher
	outbox    *auditpostgres.Store
	relay     *outbox.Relay
	producer  *kafka.Producer
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = kycmetrics.New(a.registry)

	a.tracing, err = tracing.Setup(ctx, cfg.Tracing, os.Stdout)
	if err != nil {
		return nil, err
	}

	sessions, nullifiers, auditStore, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	validator, err := newValidator(cfg, logger)
	if err != nil {
		return nil, err
	}

	ledger, err := a.newLedger()
	if err != nil {
		return nil, err
	}

	a.publisher = newAuditPublisher(cfg, auditStore, logger)

	// the retrier reports commits back to the service, which is built after it
	var svc *service.Service
	a.retrier = oracle.NewRetrier(ledger, sessions, cfg.Oracle.RetryQueueSize,
		oracle.WithRetryBackoff(cfg.Oracle.RetryInitial, cfg.Oracle.RetryMax),
		oracle.WithCommitTimeout(cfg.Oracle.CommitTimeout),
		oracle.WithCommitHook(func(ctx context.Context, at models.Attestation) {
			svc.OnCommitted(ctx, at)
		}),
		oracle.WithRetrierLogger(logger),
		oracle.WithRetrierMetrics(a.metrics),
	)

	svc = service.New(sessions, nullifiers, validator, ledger, service.Config{
		Defaults:           cfg.Policy,
		Scope:              cfg.Provider.Scope,
		ConfigID:           cfg.Provider.ConfigID,
		SessionTTL:         cfg.Session.TTL,
		CommitTimeout:      cfg.Oracle.CommitTimeout,
		StaleRetryAttempts: cfg.Session.StaleRetryAttempts,
		StaleRetryDelay:    cfg.Session.StaleRetryDelay,
		BatchSize:          cfg.Session.SweepBatchSize,
	},
		service.WithLogger(logger),
		service.WithMetrics(a.metrics),
		service.WithAuditPublisher(a.publisher),
		service.WithCommitQueue(a.retrier),
		service.WithTracer(a.tracing.Tracer()),
	)
	a.service = svc

	if cfg.Kafka.Enabled {
		if err := a.startRelay(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) (service.SessionStore, service.NullifierLedger, audit.Store, error) {
	cfg := a.cfg
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Store)
		if err != nil {
			return nil, nil, nil, err
		}
		a.db = db
		if cfg.Store.Migrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return nil, nil, nil, err
			}
		}
		a.outbox = auditpostgres.New(db)
		a.logger.Info("using postgres store")
		return session.NewPostgres(db), nullifier.NewPostgres(db), a.outbox, nil
	case config.BackendRedis:
		client, err := kycredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		a.redis = client
		a.logger.Info("using redis store")
		return session.NewRedis(client.Client), nullifier.NewRedis(client.Client), auditmemory.NewInMemoryStore(), nil
	default:
		a.logger.Warn("using in-memory store, state is lost on restart")
		return session.NewInMemory(), nullifier.NewInMemory(), auditmemory.NewInMemoryStore(), nil
	}
}

func newValidator(cfg *config.Config, logger *slog.Logger) (*proof.Validator, error) {
	pemBytes, err := cfg.ProviderPublicKeyPEM()
	if err != nil {
		return nil, err
	}
	publicKey, err := proof.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	return proof.NewValidator(cfg.Provider.Issuer, publicKey,
		proof.WithLogger(logger),
		proof.WithMaxAge(cfg.Provider.MaxProofAge),
		proof.WithLeeway(cfg.Provider.ClockLeeway),
	)
}

// newLedger builds the compliance ledger client: a breaker-guarded HTTP
// gateway or the in-process ledger, behind the read cache and tracing.
func (a *app) newLedger() (oracle.Ledger, error) {
	cfg := a.cfg.Oracle
	var inner oracle.Ledger
	switch cfg.Backend {
	case config.BackendHTTP:
		breaker := circuit.New("compliance-ledger",
			circuit.WithFailureThreshold(cfg.BreakerFailures),
			circuit.WithSuccessThreshold(cfg.BreakerSuccesses),
		)
		client, err := oracle.NewHTTPClient(cfg.BaseURL,
			oracle.WithAPIKey(cfg.APIKey),
			oracle.WithReadTimeout(cfg.ReadTimeout),
			oracle.WithBreaker(breaker),
			oracle.WithLogger(a.logger),
			oracle.WithMetrics(a.metrics),
		)
		if err != nil {
			return nil, err
		}
		inner = client
	default:
		a.logger.Warn("using in-memory compliance ledger")
		inner = oracle.NewMemoryLedger()
	}

	cached, err := oracle.NewCachedReader(inner, cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return oracle.Traced(cached, a.tracing.Tracer()), nil
}

// newAuditPublisher writes synchronously to the outbox so an event commits
// with the request; the in-memory trail is buffered.
func newAuditPublisher(cfg *config.Config, store audit.Store, logger *slog.Logger) *publisher.Publisher {
	if cfg.Store.Backend == config.BackendPostgres {
		return publisher.NewPublisher(store, publisher.WithLogger(logger))
	}
	return publisher.NewPublisher(store,
		publisher.WithAsyncBuffer(1024),
		publisher.WithLogger(logger),
	)
}

func (a *app) startRelay(ctx context.Context) error {
	if a.outbox == nil {
		return fmt.Errorf("kafka relay requires the postgres store backend")
	}
	producer, err := kafka.NewProducer(ctx, a.cfg.Kafka)
	if err != nil {
		return err
	}
	a.producer = producer
	if err := kafka.EnsureTopic(ctx, producer.Client(), a.cfg.Kafka); err != nil {
		return err
	}
	a.relay = outbox.NewRelay(a.outbox, producer,
		outbox.WithDB(a.db),
		outbox.WithInterval(a.cfg.Kafka.RelayInterval),
		outbox.WithBatchSize(a.cfg.Kafka.RelayBatchSize),
		outbox.WithLogger(a.logger),
	)
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.producer != nil {
		a.producer.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
}
