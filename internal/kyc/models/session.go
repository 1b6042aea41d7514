package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	dErrors "onchainkyc/pkg/domain-errors"
	"onchainkyc/pkg/platform/sentinel"
)

// SessionState is a position in the verification state machine.
type SessionState string

const (
	SessionStatePending       SessionState = "pending"
	SessionStateProofReceived SessionState = "proof_received"
	SessionStateVerified      SessionState = "verified"
	SessionStateRejected      SessionState = "rejected"
	SessionStateExpired       SessionState = "expired"
)

// transitions lists the forward edges of the state machine. Terminal states
// have no outgoing edges.
var transitions = map[SessionState][]SessionState{
	SessionStatePending:       {SessionStateProofReceived, SessionStateRejected, SessionStateExpired},
	SessionStateProofReceived: {SessionStateVerified, SessionStateRejected},
}

func (s SessionState) IsValid() bool {
	switch s {
	case SessionStatePending, SessionStateProofReceived, SessionStateVerified,
		SessionStateRejected, SessionStateExpired:
		return true
	}
	return false
}

// IsOpen reports whether a session in this state still accepts a webhook.
func (s SessionState) IsOpen() bool {
	return s == SessionStatePending || s == SessionStateProofReceived
}

func (s SessionState) IsTerminal() bool {
	return s == SessionStateVerified || s == SessionStateRejected || s == SessionStateExpired
}

// IsFinalized reports whether the state carries a Result.
func (s SessionState) IsFinalized() bool {
	return s == SessionStateVerified || s == SessionStateRejected
}

func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns sentinel.ErrInvalidState for edges outside the
// state machine.
func ValidateTransition(from, to SessionState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, sentinel.ErrInvalidState)
	}
	return nil
}

// OpenStates are the states counted by the one-open-session-per-wallet rule.
var OpenStates = []SessionState{SessionStatePending, SessionStateProofReceived}

// RejectionReason is the stable, client-visible cause of a rejected session.
type RejectionReason string

const (
	ReasonInvalidProof    RejectionReason = "invalid_proof"
	ReasonNullifierReplay RejectionReason = "nullifier_replay"
	ReasonPolicyViolation RejectionReason = "policy_violation"
)

// PolicyReason identifies the first compliance predicate that failed.
type PolicyReason string

const (
	PolicyAgeBelowMinimum        PolicyReason = "age_below_minimum"
	PolicyDocumentTypeNotAllowed PolicyReason = "document_type_not_allowed"
	PolicySanctionsMatch         PolicyReason = "sanctions_match"
	PolicyNationalityExcluded    PolicyReason = "nationality_excluded"
)

// Attributes are the disclosed, proof-bound identity attributes.
type Attributes struct {
	Nationality  string       `json:"nationality"`
	DocumentType DocumentType `json:"document_type"`
	AgeAtLeast   int          `json:"age_at_least"`
	IsOFACMatch  bool         `json:"is_ofac_match"`
}

// Pending is what a proof_received session keeps so recovery can finish it
// without contacting the provider again.
type Pending struct {
	Nullifier     string     `json:"nullifier"`
	AttestationID string     `json:"attestation_id"`
	Attributes    Attributes `json:"attributes"`
	ReceivedAt    time.Time  `json:"received_at"`
}

// Result is recorded when a session reaches verified or rejected.
// Attributes is nil for invalid_proof rejections.
type Result struct {
	Attributes    *Attributes     `json:"attributes,omitempty"`
	Nullifier     string          `json:"nullifier,omitempty"`
	AttestationID string          `json:"attestation_id,omitempty"`
	Reason        RejectionReason `json:"reason,omitempty"`
	PolicyReason  PolicyReason    `json:"policy_reason,omitempty"`
	FinalizedAt   time.Time       `json:"finalized_at"`
}

// Session is one verification attempt for a wallet.
//
// Invariants:
//   - Result is set if and only if State is verified or rejected
//   - Pending is set only in proof_received
//   - CommittedAt is set only on verified sessions
//   - State only moves forward along the transitions table
//   - Requirements, Scope and ConfigID are frozen at creation
type Session struct {
	ID           uuid.UUID    `json:"id"`
	Wallet       string       `json:"wallet"`
	Requirements Requirements `json:"requirements"`
	Scope        string       `json:"scope"`
	ConfigID     string       `json:"config_id"`
	State        SessionState `json:"state"`
	Pending      *Pending     `json:"pending,omitempty"`
	Result       *Result      `json:"result,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	CommittedAt  *time.Time   `json:"committed_at,omitempty"`
}

// NewSession builds a pending session. wallet must already be normalized and
// requirements already validated.
func NewSession(id uuid.UUID, wallet string, req Requirements, scope, configID string, now time.Time, ttl time.Duration) (*Session, error) {
	if id == uuid.Nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "session id is required")
	}
	if wallet == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "wallet is required")
	}
	if ttl <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "session ttl must be positive")
	}
	return &Session{
		ID:           id,
		Wallet:       wallet,
		Requirements: req.Clone(),
		Scope:        scope,
		ConfigID:     configID,
		State:        SessionStatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// IsElapsed reports whether a pending session has passed its expiry.
func (s *Session) IsElapsed(now time.Time) bool {
	return s.State == SessionStatePending && !now.Before(s.ExpiresAt)
}

// CheckInvariants verifies the state/payload invariants listed on Session.
func (s *Session) CheckInvariants() error {
	if !s.State.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, "unknown session state")
	}
	if s.State.IsFinalized() != (s.Result != nil) {
		return dErrors.New(dErrors.CodeInvariantViolation, "result must be present exactly when verified or rejected")
	}
	if s.Pending != nil && s.State != SessionStateProofReceived {
		return dErrors.New(dErrors.CodeInvariantViolation, "pending proof is only kept while proof_received")
	}
	if s.State == SessionStateProofReceived && s.Pending == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "proof_received requires the pending proof")
	}
	if s.CommittedAt != nil && s.State != SessionStateVerified {
		return dErrors.New(dErrors.CodeInvariantViolation, "only verified sessions can be committed")
	}
	return nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Requirements = s.Requirements.Clone()
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	if s.Result != nil {
		r := *s.Result
		if s.Result.Attributes != nil {
			a := *s.Result.Attributes
			r.Attributes = &a
		}
		out.Result = &r
	}
	if s.CommittedAt != nil {
		t := *s.CommittedAt
		out.CommittedAt = &t
	}
	return &out
}

// Outcome renders the stored result of a finalized session.
func (s *Session) Outcome() *Outcome {
	out := &Outcome{
		SessionID: s.ID,
		Wallet:    s.Wallet,
		State:     s.State,
		Verified:  s.State == SessionStateVerified,
	}
	if s.Result != nil {
		out.Reason = s.Result.Reason
		out.PolicyReason = s.Result.PolicyReason
		out.Attributes = s.Result.Attributes
		out.Nullifier = s.Result.Nullifier
		out.FinalizedAt = s.Result.FinalizedAt
	}
	out.CommitPending = out.Verified && s.CommittedAt == nil
	return out
}
