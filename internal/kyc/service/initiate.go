package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/kyc/store/session"
	dErrors "onchainkyc/pkg/domain-errors"
	audit "onchainkyc/pkg/platform/audit"
	"onchainkyc/pkg/requestcontext"
)

// createAttempts bounds the find-or-create loop when concurrent initiations
// race on the one-open-session-per-wallet rule.
const createAttempts = 3

// InitiateSession opens a verification session for wallet, or returns the
// wallet's current open session. A reused session keeps the requirements it
// was created with; req only applies to new sessions.
func (s *Service) InitiateSession(ctx context.Context, rawWallet string, req *models.Requirements) (*models.InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "kyc.InitiateSession")
	defer span.End()

	wallet, err := models.ParseWallet(rawWallet)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("kyc.wallet", wallet))

	requirements := s.cfg.Defaults.Clone()
	if req != nil {
		requirements = req.Clone()
		requirements.Normalize()
		if err := requirements.Validate(); err != nil {
			return nil, err
		}
	}

	for range createAttempts {
		existing, err := s.openSession(ctx, wallet)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.metrics.IncSessionInitiated(true)
			span.SetAttributes(attribute.Bool("kyc.reused", true))
			return &models.InitiateResult{
				SessionID:    existing.ID,
				Requirements: existing.Requirements.Clone(),
				ExpiresAt:    existing.ExpiresAt,
				Reused:       true,
			}, nil
		}

		sess, err := models.NewSession(uuid.New(), wallet, requirements, s.cfg.Scope, s.cfg.ConfigID,
			requestcontext.Now(ctx), s.cfg.SessionTTL)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build session")
		}
		if err := s.sessions.Create(ctx, sess); err != nil {
			if errors.Is(err, session.ErrConflict) {
				continue
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
		}

		s.metrics.IncSessionInitiated(false)
		span.SetAttributes(attribute.String("kyc.session_id", sess.ID.String()))
		s.logAudit(ctx, audit.EventSessionInitiated,
			"session_id", sess.ID,
			"wallet", wallet,
		)
		return &models.InitiateResult{
			SessionID:    sess.ID,
			Requirements: sess.Requirements.Clone(),
			ExpiresAt:    sess.ExpiresAt,
		}, nil
	}
	return nil, dErrors.New(dErrors.CodeConflict, "concurrent session initiation, retry")
}

// openSession returns the wallet's live open session, expiring an elapsed
// pending one on the way. It returns nil when the wallet has none.
func (s *Service) openSession(ctx context.Context, wallet string) (*models.Session, error) {
	existing, err := s.sessions.FindOpenByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load open session")
	}
	if !existing.IsElapsed(requestcontext.Now(ctx)) {
		return existing, nil
	}
	current, err := s.expire(ctx, existing)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to expire session")
	}
	if current.State.IsOpen() {
		return current, nil
	}
	return nil, nil
}
