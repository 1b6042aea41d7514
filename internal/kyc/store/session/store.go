// Package session persists verification sessions and enforces the
// compare-and-transition primitive every state change goes through.
//
// Three backends share the same contract: InMemoryStore for tests and single
// instance development, PostgresStore and RedisStore for deployments.
package session

import (
	"context"
	"fmt"
	"time"

	"onchainkyc/internal/kyc/models"
	"onchainkyc/pkg/platform/sentinel"
	"onchainkyc/pkg/requestcontext"
)

// Mutator edits a session during a transition. State and UpdatedAt are set by
// the store; the mutator fills Pending, Result and similar fields. Pending is
// still readable inside the mutator and dropped afterwards unless the target
// state is proof_received.
type Mutator func(s *models.Session) error

// ErrStaleTransition is returned when the session is no longer in the expected state.
var ErrStaleTransition = sentinel.ErrStale

// ErrNotFound is returned when a session or wallet index entry is absent.
var ErrNotFound = sentinel.ErrNotFound

// ErrConflict is returned by Create when the wallet already has an open session.
var ErrConflict = sentinel.ErrConflict

// applyTransition runs the shared transition rules on a copy of current and
// returns the session to persist.
func applyTransition(ctx context.Context, current *models.Session, expected, next models.SessionState, mutate Mutator) (*models.Session, error) {
	if err := models.ValidateTransition(expected, next); err != nil {
		return nil, err
	}
	if current.State != expected {
		return nil, fmt.Errorf("session %s is %s, expected %s: %w", current.ID, current.State, expected, ErrStaleTransition)
	}

	updated := current.Clone()
	updated.State = next
	updated.UpdatedAt = requestcontext.Now(ctx)
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return nil, err
		}
	}
	// the mutator cannot redirect the transition
	updated.State = next
	if next != models.SessionStateProofReceived {
		updated.Pending = nil
	}
	if err := updated.CheckInvariants(); err != nil {
		return nil, err
	}
	return updated, nil
}

// applyCommit marks a verified session committed. ok is false when the session
// was already committed and nothing needs persisting.
func applyCommit(current *models.Session, at time.Time) (*models.Session, bool, error) {
	if current.State != models.SessionStateVerified {
		return nil, false, fmt.Errorf("commit session in state %s: %w", current.State, sentinel.ErrInvalidState)
	}
	if current.CommittedAt != nil {
		return current, false, nil
	}
	updated := current.Clone()
	updated.CommittedAt = &at
	return updated, true, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
