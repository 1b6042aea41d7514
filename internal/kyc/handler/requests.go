package handler

import (
	"strings"

	"onchainkyc/internal/kyc/models"
	dErrors "onchainkyc/pkg/domain-errors"
)

// RequirementsDTO is the wire form of models.Requirements.
type RequirementsDTO struct {
	MinimumAge           int      `json:"minimumAge"`
	RequireOFACCheck     bool     `json:"requireOfacCheck"`
	AllowedDocumentTypes []int    `json:"allowedDocumentTypes"`
	ExcludedCountries    []string `json:"excludedCountries"`
}

func (d *RequirementsDTO) toModel() *models.Requirements {
	if d == nil {
		return nil
	}
	docs := make([]models.DocumentType, len(d.AllowedDocumentTypes))
	for i, t := range d.AllowedDocumentTypes {
		docs[i] = models.DocumentType(t)
	}
	return &models.Requirements{
		MinimumAge:           d.MinimumAge,
		RequireOFACCheck:     d.RequireOFACCheck,
		AllowedDocumentTypes: docs,
		ExcludedCountries:    append([]string{}, d.ExcludedCountries...),
	}
}

func requirementsDTO(r models.Requirements) RequirementsDTO {
	docs := make([]int, len(r.AllowedDocumentTypes))
	for i, t := range r.AllowedDocumentTypes {
		docs[i] = int(t)
	}
	countries := r.ExcludedCountries
	if countries == nil {
		countries = []string{}
	}
	return RequirementsDTO{
		MinimumAge:           r.MinimumAge,
		RequireOFACCheck:     r.RequireOFACCheck,
		AllowedDocumentTypes: docs,
		ExcludedCountries:    countries,
	}
}

type InitiateRequest struct {
	WalletAddress string           `json:"walletAddress"`
	Requirements  *RequirementsDTO `json:"requirements,omitempty"`
}

func (r *InitiateRequest) Normalize() {
	r.WalletAddress = strings.TrimSpace(r.WalletAddress)
}

func (r *InitiateRequest) Validate() error {
	if r.WalletAddress == "" {
		return dErrors.New(dErrors.CodeInvalidWallet, "walletAddress is required")
	}
	return nil
}

type ProofDTO struct {
	Protocol string `json:"protocol"`
	Token    string `json:"token"`
}

type AttributesDTO struct {
	Nationality  string `json:"nationality"`
	DocumentType int    `json:"documentType"`
	AgeAtLeast   int    `json:"ageAtLeast"`
	IsOFACMatch  bool   `json:"isOfacMatch"`
}

func (a *AttributesDTO) toModel() *models.Attributes {
	if a == nil {
		return nil
	}
	return &models.Attributes{
		Nationality:  a.Nationality,
		DocumentType: models.DocumentType(a.DocumentType),
		AgeAtLeast:   a.AgeAtLeast,
		IsOFACMatch:  a.IsOFACMatch,
	}
}

func attributesDTO(a *models.Attributes) *AttributesDTO {
	if a == nil {
		return nil
	}
	return &AttributesDTO{
		Nationality:  a.Nationality,
		DocumentType: int(a.DocumentType),
		AgeAtLeast:   a.AgeAtLeast,
		IsOFACMatch:  a.IsOFACMatch,
	}
}

type UserContextDTO struct {
	SessionID     string `json:"sessionId"`
	WalletAddress string `json:"walletAddress"`
}

// VerifyRequest is the provider webhook body. Shape checks live in
// models.WebhookPayload.Validate so every entry point applies the same rules.
type VerifyRequest struct {
	AttestationID   string         `json:"attestationId"`
	Proof           ProofDTO       `json:"proof"`
	PublicSignals   []string       `json:"publicSignals"`
	ExtractedAttrs  *AttributesDTO `json:"extractedAttrs"`
	UserContextData UserContextDTO `json:"userContextData"`
}

func (r *VerifyRequest) toModel() *models.WebhookPayload {
	return &models.WebhookPayload{
		AttestationID:  r.AttestationID,
		Proof:          models.ProofBundle{Protocol: r.Proof.Protocol, Token: r.Proof.Token},
		PublicSignals:  r.PublicSignals,
		ExtractedAttrs: r.ExtractedAttrs.toModel(),
		UserContextData: models.UserContextData{
			SessionID:     strings.TrimSpace(r.UserContextData.SessionID),
			WalletAddress: strings.TrimSpace(r.UserContextData.WalletAddress),
		},
	}
}
