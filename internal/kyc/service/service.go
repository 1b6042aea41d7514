// Package service orchestrates the KYC session lifecycle: initiation, the
// webhook verification pipeline, status queries and background maintenance.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"onchainkyc/internal/kyc/metrics"
	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/kyc/oracle"
	"onchainkyc/internal/kyc/proof"
	"onchainkyc/internal/kyc/store/session"
	"onchainkyc/pkg/attrs"
	dErrors "onchainkyc/pkg/domain-errors"
	audit "onchainkyc/pkg/platform/audit"
	"onchainkyc/pkg/requestcontext"
)

type SessionStore interface {
	Create(ctx context.Context, sess *models.Session) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	FindOpenByWallet(ctx context.Context, wallet string) (*models.Session, error)
	FindLatestTerminalByWallet(ctx context.Context, wallet string) (*models.Session, error)
	CountVerifiedByWallet(ctx context.Context, wallet string) (int64, error)
	Transition(ctx context.Context, id uuid.UUID, expected, next models.SessionState, mutate session.Mutator) (*models.Session, error)
	MarkCommitted(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByState(ctx context.Context, state models.SessionState, limit int) ([]*models.Session, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Session, error)
	ListUncommitted(ctx context.Context, limit int) ([]*models.Session, error)
	CountVerified(ctx context.Context) (int64, error)
	CountVerifiedWallets(ctx context.Context) (int64, error)
}

type NullifierLedger interface {
	ReserveIfUnused(ctx context.Context, rec models.NullifierRecord) (*models.NullifierRecord, error)
}

type ProofValidator interface {
	Validate(ctx context.Context, in proof.Input) (*proof.Verified, error)
}

// CommitQueue accepts attestations whose synchronous ledger commit did not succeed.
type CommitQueue interface {
	Enqueue(a models.Attestation) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config holds the orchestration settings that are fixed at startup.
type Config struct {
	Defaults           models.Requirements
	Scope              string
	ConfigID           string
	SessionTTL         time.Duration
	CommitTimeout      time.Duration
	StaleRetryAttempts int
	StaleRetryDelay    time.Duration
	BatchSize          int
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 5 * time.Second
	}
	if c.StaleRetryAttempts <= 0 {
		c.StaleRetryAttempts = 5
	}
	if c.StaleRetryDelay <= 0 {
		c.StaleRetryDelay = 50 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	c.Defaults = c.Defaults.Clone()
}

// Service is the verification orchestrator. SessionStore and NullifierLedger
// hold all mutable state; the service itself is safe for concurrent use.
type Service struct {
	sessions   SessionStore
	nullifiers NullifierLedger
	validator  ProofValidator
	ledger     oracle.Ledger
	cfg        Config

	queue          CommitQueue
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher AuditPublisher
	tracer         trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

// WithCommitQueue sets where failed or skipped ledger commits are sent.
func WithCommitQueue(q CommitQueue) Option {
	return func(s *Service) {
		s.queue = q
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func New(sessions SessionStore, nullifiers NullifierLedger, validator ProofValidator, ledger oracle.Ledger, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		sessions:   sessions,
		nullifiers: nullifiers,
		validator:  validator,
		ledger:     ledger,
		cfg:        cfg,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("kyc"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the default requirements applied when a caller omits them.
func (s *Service) Config() models.Requirements {
	return s.cfg.Defaults.Clone()
}

// GetStatistics reports verified sessions and distinct verified wallets.
func (s *Service) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	total, err := s.sessions.CountVerified(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count verifications")
	}
	unique, err := s.sessions.CountVerifiedWallets(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count verified wallets")
	}
	return &models.Statistics{TotalVerifications: total, UniqueUsers: unique}, nil
}

// OnCommitted is the retrier hook for commits acknowledged in the background.
func (s *Service) OnCommitted(ctx context.Context, a models.Attestation) {
	s.logAudit(ctx, audit.EventComplianceCommitted,
		"session_id", a.SessionID,
		"wallet", a.Wallet,
		"decision", string(models.SessionStateVerified),
	)
}

// expire moves an elapsed pending session to expired. Losing the race to
// another writer is fine; the caller gets whatever state won.
func (s *Service) expire(ctx context.Context, sess *models.Session) (*models.Session, error) {
	expired, err := s.sessions.Transition(ctx, sess.ID, models.SessionStatePending, models.SessionStateExpired, nil)
	if err != nil {
		if errors.Is(err, session.ErrStaleTransition) {
			return s.sessions.FindByID(ctx, sess.ID)
		}
		return nil, err
	}
	s.metrics.AddSessionsExpired(1)
	s.logAudit(ctx, audit.EventSessionExpired,
		"session_id", expired.ID,
		"wallet", expired.Wallet,
		"decision", string(models.SessionStateExpired),
	)
	return expired, nil
}

// logAudit writes an audit log line and forwards the event to the publisher.
// Publishing is best effort; a failed emit never fails the operation.
func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	s.logger.InfoContext(ctx, string(event), args...)
	if s.auditPublisher == nil {
		return
	}
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Action:    string(event),
		Wallet:    attrs.ExtractString(attributes, "wallet"),
		SessionID: attrs.ExtractString(attributes, "session_id"),
		Decision:  attrs.ExtractString(attributes, "decision"),
		Reason:    attrs.ExtractString(attributes, "reason"),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "event", string(event), "error", err)
	}
}
