package models

import (
	"strings"

	"github.com/google/uuid"

	dErrors "onchainkyc/pkg/domain-errors"
)

// Public signal positions in a proof.
const (
	SignalNullifier = iota
	SignalAttestationID
	SignalScope
	SignalUserIdentifier
	SignalNationality
	SignalDocumentType
	SignalAgeAtLeast
	SignalOFACMatch

	SignalCount
)

// ProofBundle is the provider's signed proof.
type ProofBundle struct {
	Protocol string
	Token    string
}

// UserContextData is the caller context the provider echoes back.
type UserContextData struct {
	SessionID     string
	WalletAddress string
}

// WebhookPayload is one provider delivery.
type WebhookPayload struct {
	AttestationID   string
	Proof           ProofBundle
	PublicSignals   []string
	ExtractedAttrs  *Attributes
	UserContextData UserContextData
}

// ParsedContext is the validated session reference from a payload.
type ParsedContext struct {
	SessionID uuid.UUID
	Wallet    string
}

// Validate checks the payload shape and returns the parsed session reference.
// It never inspects proof contents.
func (p *WebhookPayload) Validate() (ParsedContext, error) {
	var parsed ParsedContext
	if p == nil {
		return parsed, malformed("payload is required")
	}
	if strings.TrimSpace(p.AttestationID) == "" {
		return parsed, malformed("attestationId is required")
	}
	if p.Proof.Protocol == "" || p.Proof.Token == "" {
		return parsed, malformed("proof.protocol and proof.token are required")
	}
	if len(p.PublicSignals) != SignalCount {
		return parsed, malformed("publicSignals must contain 8 entries")
	}
	if p.ExtractedAttrs == nil {
		return parsed, malformed("extractedAttrs is required")
	}

	ucd := p.UserContextData
	if ucd.SessionID == "" && ucd.WalletAddress == "" {
		return parsed, malformed("userContextData must carry sessionId or walletAddress")
	}
	if ucd.SessionID != "" {
		id, err := uuid.Parse(ucd.SessionID)
		if err != nil {
			return parsed, malformed("userContextData.sessionId is not a valid id")
		}
		parsed.SessionID = id
	}
	if ucd.WalletAddress != "" {
		wallet, err := ParseWallet(ucd.WalletAddress)
		if err != nil {
			return parsed, malformed("userContextData.walletAddress is not a valid address")
		}
		parsed.Wallet = wallet
	}
	return parsed, nil
}

func malformed(msg string) error {
	return dErrors.New(dErrors.CodeMalformedPayload, msg)
}
