package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing downstream.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: a wallet
	// was verified, rejected, or its verification reached the ledger.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers routine lifecycle activity that can be sampled
	// or kept for a shorter period.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from the verification pipeline to capture key actions.
// Keep it transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID        string
	Category  EventCategory
	Timestamp time.Time
	Wallet    string
	SessionID string
	Action    string
	// Decision is the terminal state for session outcomes.
	Decision string
	// Reason carries the rejection or policy reason code.
	Reason    string
	RequestID string
	ClientIP  string
	// Client is a short user agent summary such as "Chrome (mobile)".
	Client string
}

type AuditEvent string

const (
	EventSessionInitiated    AuditEvent = "kyc_session_initiated"
	EventSessionVerified     AuditEvent = "kyc_session_verified"
	EventSessionRejected     AuditEvent = "kyc_session_rejected"
	EventSessionExpired      AuditEvent = "kyc_session_expired"
	EventComplianceCommitted AuditEvent = "kyc_compliance_committed"
)

// eventCategories maps each audit event to its category.
var eventCategories = map[AuditEvent]EventCategory{
	EventSessionVerified:     CategoryCompliance,
	EventSessionRejected:     CategoryCompliance,
	EventComplianceCommitted: CategoryCompliance,

	EventSessionInitiated: CategoryOperations,
	EventSessionExpired:   CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}
