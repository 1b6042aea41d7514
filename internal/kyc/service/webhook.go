package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/internal/kyc/oracle"
	"onchainkyc/internal/kyc/policy"
	"onchainkyc/internal/kyc/proof"
	"onchainkyc/internal/kyc/store/nullifier"
	"onchainkyc/internal/kyc/store/session"
	dErrors "onchainkyc/pkg/domain-errors"
	audit "onchainkyc/pkg/platform/audit"
	"onchainkyc/pkg/requestcontext"
)

// IngestWebhook runs a provider callback through the verification pipeline.
// Rejections are returned as outcomes; errors are reserved for deliveries that
// could not be processed (malformed, unknown or expired session, contention).
func (s *Service) IngestWebhook(ctx context.Context, payload *models.WebhookPayload) (*models.Outcome, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "kyc.IngestWebhook")
	defer span.End()

	out, err := s.ingest(ctx, span, payload)
	s.metrics.ObserveWebhookLatency(time.Since(start))
	if err != nil {
		s.metrics.IncWebhookOutcome("error", string(dErrors.CodeOf(err)))
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		return nil, err
	}
	s.metrics.IncWebhookOutcome(string(out.State), string(out.Reason))
	span.SetAttributes(
		attribute.String("kyc.state", string(out.State)),
		attribute.Bool("kyc.duplicate", out.Duplicate),
		attribute.Bool("kyc.commit_pending", out.CommitPending),
	)
	return out, nil
}

func (s *Service) ingest(ctx context.Context, span trace.Span, payload *models.WebhookPayload) (*models.Outcome, error) {
	parsed, err := payload.Validate()
	if err != nil {
		return nil, err
	}

	sess, err := s.resolveSession(ctx, parsed, payload.AttestationID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("kyc.session_id", sess.ID.String()))

	switch sess.State {
	case models.SessionStateVerified, models.SessionStateRejected:
		return duplicate(sess), nil
	case models.SessionStateExpired:
		return nil, errSessionExpired()
	case models.SessionStateProofReceived:
		return s.awaitFinal(ctx, sess.ID)
	}

	if sess.IsElapsed(requestcontext.Now(ctx)) {
		current, err := s.expire(ctx, sess)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to expire session")
		}
		if current.State != models.SessionStateExpired {
			return s.settled(ctx, current)
		}
		return nil, errSessionExpired()
	}
	return s.processPending(ctx, sess, payload)
}

// resolveSession finds the session a delivery belongs to. A wallet-only
// delivery with no open session still matches the wallet's latest finalized
// session when it carries the same attestation, so redeliveries stay idempotent.
func (s *Service) resolveSession(ctx context.Context, parsed models.ParsedContext, attestationID string) (*models.Session, error) {
	if parsed.SessionID != uuid.Nil {
		sess, err := s.sessions.FindByID(ctx, parsed.SessionID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, errSessionNotFound()
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
		}
		if parsed.Wallet != "" && parsed.Wallet != sess.Wallet {
			return nil, errSessionNotFound()
		}
		return sess, nil
	}

	sess, err := s.sessions.FindOpenByWallet(ctx, parsed.Wallet)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load open session")
	}
	last, err := s.sessions.FindLatestTerminalByWallet(ctx, parsed.Wallet)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, errSessionNotFound()
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if last.Result != nil && last.Result.AttestationID == attestationID {
		return last, nil
	}
	if last.State == models.SessionStateExpired {
		return nil, errSessionExpired()
	}
	return nil, errSessionNotFound()
}

func (s *Service) processPending(ctx context.Context, sess *models.Session, payload *models.WebhookPayload) (*models.Outcome, error) {
	verified, err := s.validator.Validate(ctx, proof.Input{
		AttestationID:  payload.AttestationID,
		Proof:          payload.Proof,
		PublicSignals:  payload.PublicSignals,
		ExtractedAttrs: *payload.ExtractedAttrs,
		Scope:          sess.Scope,
		ConfigID:       sess.ConfigID,
		Wallet:         sess.Wallet,
	})
	if err != nil {
		return s.reject(ctx, sess, models.SessionStatePending, &models.Result{
			AttestationID: payload.AttestationID,
			Reason:        models.ReasonInvalidProof,
		})
	}

	now := requestcontext.Now(ctx)
	holder, err := s.nullifiers.ReserveIfUnused(ctx, models.NullifierRecord{
		Nullifier:  verified.Nullifier,
		SessionID:  sess.ID,
		Wallet:     sess.Wallet,
		ConsumedAt: now,
	})
	switch {
	case errors.Is(err, nullifier.ErrAlreadyConsumed):
		if holder == nil || holder.SessionID != sess.ID {
			s.metrics.IncNullifierReplay()
			attributes := verified.Attributes
			return s.reject(ctx, sess, models.SessionStatePending, &models.Result{
				Attributes:    &attributes,
				AttestationID: verified.AttestationID,
				Reason:        models.ReasonNullifierReplay,
			})
		}
		// Reserved by this session on an earlier delivery.
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reserve nullifier")
	}

	received, err := s.sessions.Transition(ctx, sess.ID, models.SessionStatePending, models.SessionStateProofReceived,
		func(next *models.Session) error {
			next.Pending = &models.Pending{
				Nullifier:     verified.Nullifier,
				AttestationID: verified.AttestationID,
				Attributes:    verified.Attributes,
				ReceivedAt:    now,
			}
			return nil
		})
	if err != nil {
		return s.transitionFailed(ctx, sess.ID, err)
	}
	return s.finalize(ctx, received)
}

// finalize evaluates policy for a proof_received session and records the
// verdict. Recovery re-enters here with the stored pending proof.
func (s *Service) finalize(ctx context.Context, sess *models.Session) (*models.Outcome, error) {
	pending := sess.Pending
	if pending == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "proof_received session without pending proof")
	}
	attributes := pending.Attributes
	result := &models.Result{
		Attributes:    &attributes,
		Nullifier:     pending.Nullifier,
		AttestationID: pending.AttestationID,
	}

	decision := policy.Evaluate(sess.Requirements, pending.Attributes)
	if !decision.Passed {
		result.Reason = models.ReasonPolicyViolation
		result.PolicyReason = decision.Reason
		return s.reject(ctx, sess, models.SessionStateProofReceived, result)
	}

	result.FinalizedAt = requestcontext.Now(ctx)
	verified, err := s.sessions.Transition(ctx, sess.ID, models.SessionStateProofReceived, models.SessionStateVerified,
		func(next *models.Session) error {
			next.Result = result
			return nil
		})
	if err != nil {
		return s.transitionFailed(ctx, sess.ID, err)
	}
	s.logAudit(ctx, audit.EventSessionVerified,
		"session_id", verified.ID,
		"wallet", verified.Wallet,
		"decision", string(models.SessionStateVerified),
	)

	out := verified.Outcome()
	out.CommitPending = !s.commit(ctx, verified)
	return out, nil
}

func (s *Service) reject(ctx context.Context, sess *models.Session, from models.SessionState, result *models.Result) (*models.Outcome, error) {
	result.FinalizedAt = requestcontext.Now(ctx)
	rejected, err := s.sessions.Transition(ctx, sess.ID, from, models.SessionStateRejected,
		func(next *models.Session) error {
			next.Result = result
			return nil
		})
	if err != nil {
		return s.transitionFailed(ctx, sess.ID, err)
	}
	attributes := []any{
		"session_id", rejected.ID,
		"wallet", rejected.Wallet,
		"decision", string(models.SessionStateRejected),
		"reason", string(result.Reason),
	}
	if result.PolicyReason != "" {
		attributes = append(attributes, "policy_reason", string(result.PolicyReason))
	}
	s.logAudit(ctx, audit.EventSessionRejected, attributes...)
	return rejected.Outcome(), nil
}

// commit writes a verified session to the ledger within the commit timeout.
// It reports whether the ledger acknowledged; otherwise the attestation is queued.
func (s *Service) commit(ctx context.Context, sess *models.Session) bool {
	attestation := models.AttestationFor(sess)
	if s.ledger.Degraded() {
		s.logger.WarnContext(ctx, "ledger circuit open, deferring commit",
			"session_id", sess.ID,
			"wallet", sess.Wallet,
		)
		s.enqueue(ctx, attestation)
		return false
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.cfg.CommitTimeout)
	defer cancel()
	if err := s.ledger.Commit(commitCtx, sess.Wallet, attestation); err != nil {
		s.metrics.IncLedgerCommit("failed")
		if !oracle.IsRetryable(err) {
			s.logger.ErrorContext(ctx, "ledger refused commit",
				"session_id", sess.ID,
				"wallet", sess.Wallet,
				"error", err,
			)
			return false
		}
		s.logger.WarnContext(ctx, "ledger commit failed, queued for retry",
			"session_id", sess.ID,
			"wallet", sess.Wallet,
			"error", err,
		)
		s.enqueue(ctx, attestation)
		return false
	}
	s.metrics.IncLedgerCommit("committed")

	if err := s.sessions.MarkCommitted(ctx, sess.ID, requestcontext.Now(ctx)); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark session committed",
			"session_id", sess.ID,
			"error", err,
		)
	}
	s.OnCommitted(ctx, attestation)
	return true
}

func (s *Service) enqueue(ctx context.Context, a models.Attestation) {
	if s.queue == nil {
		return
	}
	if !s.queue.Enqueue(a) {
		s.logger.WarnContext(ctx, "commit left for recovery", "session_id", a.SessionID)
	}
}

// transitionFailed turns a lost compare-and-transition into the outcome the
// winner produced. Other store failures are internal errors.
func (s *Service) transitionFailed(ctx context.Context, id uuid.UUID, err error) (*models.Outcome, error) {
	if errors.Is(err, session.ErrStaleTransition) {
		return s.awaitFinal(ctx, id)
	}
	return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
}

// awaitFinal re-reads a session another request is processing until it
// leaves proof_received, up to the configured number of attempts.
func (s *Service) awaitFinal(ctx context.Context, id uuid.UUID) (*models.Outcome, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.sessions.FindByID(ctx, id)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reload session")
		}
		if sess.State != models.SessionStateProofReceived {
			return s.settled(ctx, sess)
		}
		if attempt+1 >= s.cfg.StaleRetryAttempts {
			return nil, dErrors.New(dErrors.CodeVerificationInProgress, "verification already in progress")
		}
		select {
		case <-ctx.Done():
			return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "waiting for concurrent verification")
		case <-time.After(s.cfg.StaleRetryDelay):
		}
	}
}

// settled maps a session observed after losing a race to the caller's result.
func (s *Service) settled(_ context.Context, sess *models.Session) (*models.Outcome, error) {
	switch sess.State {
	case models.SessionStateVerified, models.SessionStateRejected:
		return duplicate(sess), nil
	case models.SessionStateExpired:
		return nil, errSessionExpired()
	}
	return nil, dErrors.New(dErrors.CodeVerificationInProgress, "verification already in progress")
}

func duplicate(sess *models.Session) *models.Outcome {
	out := sess.Outcome()
	out.Duplicate = true
	return out
}

func errSessionNotFound() error {
	return dErrors.New(dErrors.CodeSessionNotFound, "session not found")
}

func errSessionExpired() error {
	return dErrors.New(dErrors.CodeSessionExpired, "session expired")
}
