// Package oracle talks to the external compliance ledger that records which
// wallets passed verification.
//
// Commits are idempotent on the session id: re-committing an attestation the
// ledger already holds succeeds without counting the wallet twice.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"onchainkyc/internal/kyc/models"
)

// Ledger is the compliance oracle contract.
type Ledger interface {
	// Commit records a successful verification for wallet.
	Commit(ctx context.Context, wallet string, a models.Attestation) error
	// Read returns the ledger view of wallet. Unknown wallets yield a record
	// with IsVerified false, not an error.
	Read(ctx context.Context, wallet string) (*models.ComplianceRecord, error)
	// Degraded reports whether synchronous commits should be skipped in favor
	// of the background retrier.
	Degraded() bool
}

// ErrCircuitOpen is returned while the ledger breaker is open.
var ErrCircuitOpen = errors.New("compliance ledger circuit open")

// CommitError describes a failed commit. Retryable failures are queued for
// the retrier; the rest are logged and left for operator recovery.
type CommitError struct {
	Retryable bool
	Err       error
}

func (e *CommitError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("ledger commit failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("ledger commit failed: %v", e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried. Errors that are not a
// CommitError (timeouts, cancelled contexts) are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return true
}
