package models

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of ingesting one webhook delivery.
type Outcome struct {
	SessionID    uuid.UUID
	Wallet       string
	State        SessionState
	Verified     bool
	Reason       RejectionReason
	PolicyReason PolicyReason
	Attributes   *Attributes
	Nullifier    string
	FinalizedAt  time.Time

	// Duplicate is set when the session was already finalized and the stored
	// outcome is returned without reprocessing.
	Duplicate bool
	// CommitPending is set while the ledger has not acknowledged the commit.
	CommitPending bool
}

// NullifierRecord marks a nullifier as spent by a session.
type NullifierRecord struct {
	Nullifier  string    `json:"nullifier"`
	SessionID  uuid.UUID `json:"session_id"`
	Wallet     string    `json:"wallet"`
	ConsumedAt time.Time `json:"consumed_at"`
}

// Attestation is the summary committed to the compliance ledger.
type Attestation struct {
	SessionID     uuid.UUID `json:"session_id"`
	Wallet        string    `json:"wallet"`
	AttestationID string    `json:"attestation_id"`
	Nullifier     string    `json:"nullifier"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// AttestationFor builds the ledger commit for a verified session.
func AttestationFor(s *Session) Attestation {
	a := Attestation{SessionID: s.ID, Wallet: s.Wallet}
	if s.Result != nil {
		a.AttestationID = s.Result.AttestationID
		a.Nullifier = s.Result.Nullifier
		a.VerifiedAt = s.Result.FinalizedAt
	}
	return a
}

// ComplianceRecord is the ledger's view of a wallet.
type ComplianceRecord struct {
	Wallet            string    `json:"wallet"`
	IsVerified        bool      `json:"is_verified"`
	VerifiedAt        time.Time `json:"verified_at"`
	VerificationCount int64     `json:"verification_count"`
}

// StatusSource names where a Status answer came from.
type StatusSource string

const (
	StatusSourceLocal  StatusSource = "local"
	StatusSourceLedger StatusSource = "ledger"
	StatusSourceNone   StatusSource = "none"
)

// Status answers "is this wallet verified".
type Status struct {
	Wallet            string
	IsVerified        bool
	VerificationCount int64
	LastResult        *Outcome
	Source            StatusSource
}

// Statistics are derived from verified sessions.
type Statistics struct {
	TotalVerifications int64
	UniqueUsers        int64
}

// InitiateResult is returned by session initiation.
type InitiateResult struct {
	SessionID    uuid.UUID
	Requirements Requirements
	ExpiresAt    time.Time
	Reused       bool
}
