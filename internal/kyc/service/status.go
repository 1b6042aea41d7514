package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/kyc/store/session"
	dErrors "onchainkyc/pkg/domain-errors"
	"onchainkyc/pkg/requestcontext"
)

// GetStatus answers whether a wallet is verified. Local sessions win; the
// ledger is consulted only for wallets with no finalized local history.
// Unknown wallets and ledger failures yield an unverified status, not an error.
func (s *Service) GetStatus(ctx context.Context, rawWallet string) (*models.Status, error) {
	wallet, err := models.ParseWallet(rawWallet)
	if err != nil {
		return nil, err
	}

	last, err := s.sessions.FindLatestTerminalByWallet(ctx, wallet)
	switch {
	case err == nil:
		count, err := s.sessions.CountVerifiedByWallet(ctx, wallet)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count verifications")
		}
		return &models.Status{
			Wallet:            wallet,
			IsVerified:        count > 0,
			VerificationCount: count,
			LastResult:        last.Outcome(),
			Source:            models.StatusSourceLocal,
		}, nil
	case !errors.Is(err, session.ErrNotFound):
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load sessions")
	}

	status := &models.Status{Wallet: wallet, Source: models.StatusSourceNone}
	record, err := s.ledger.Read(ctx, wallet)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger read failed, reporting unverified",
			"wallet", wallet,
			"error", err,
		)
		return status, nil
	}
	if record != nil && record.IsVerified {
		status.IsVerified = true
		status.VerificationCount = record.VerificationCount
		status.Source = models.StatusSourceLedger
	}
	return status, nil
}

// GetSession returns a session owned by callerWallet. Sessions of other
// wallets are reported as not found. Elapsed pending sessions expire on read.
func (s *Service) GetSession(ctx context.Context, rawID, callerWallet string) (*models.Session, error) {
	wallet, err := models.ParseWallet(callerWallet)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, errSessionNotFound()
	}

	sess, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, errSessionNotFound()
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if sess.Wallet != wallet {
		return nil, errSessionNotFound()
	}
	if sess.IsElapsed(requestcontext.Now(ctx)) {
		sess, err = s.expire(ctx, sess)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to expire session")
		}
	}
	return sess, nil
}
