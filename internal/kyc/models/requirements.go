package models

import (
	"slices"

	dErrors "onchainkyc/pkg/domain-errors"
	stringsx "onchainkyc/pkg/platform/strings"
)

// DocumentType is the provider's numeric identity-document class.
type DocumentType int

const (
	DocumentTypePassport DocumentType = 1
	DocumentTypeEUIDCard DocumentType = 2
	DocumentTypeAadhaar  DocumentType = 3
)

func (d DocumentType) IsKnown() bool {
	switch d {
	case DocumentTypePassport, DocumentTypeEUIDCard, DocumentTypeAadhaar:
		return true
	}
	return false
}

func (d DocumentType) String() string {
	switch d {
	case DocumentTypePassport:
		return "passport"
	case DocumentTypeEUIDCard:
		return "eu_id_card"
	case DocumentTypeAadhaar:
		return "aadhaar"
	}
	return "unknown"
}

// MaxMinimumAge bounds MinimumAge.
const MaxMinimumAge = 150

// Requirements is the policy snapshot frozen into a session at initiation.
type Requirements struct {
	MinimumAge           int            `json:"minimum_age"              yaml:"minimumAge"           envconfig:"minimum_age"`
	RequireOFACCheck     bool           `json:"require_ofac_check"       yaml:"requireOfacCheck"     envconfig:"require_ofac_check"`
	AllowedDocumentTypes []DocumentType `json:"allowed_document_types"   yaml:"allowedDocumentTypes" envconfig:"allowed_document_types"`
	ExcludedCountries    []string       `json:"excluded_countries"       yaml:"excludedCountries"    envconfig:"excluded_countries"`
}

// DefaultRequirements are used when neither config nor caller supply any.
func DefaultRequirements() Requirements {
	return Requirements{
		MinimumAge:           18,
		RequireOFACCheck:     true,
		AllowedDocumentTypes: []DocumentType{DocumentTypePassport, DocumentTypeEUIDCard},
		ExcludedCountries:    []string{},
	}
}

// Normalize upper-cases and de-duplicates country codes and de-duplicates
// document types, preserving order.
func (r *Requirements) Normalize() {
	r.ExcludedCountries = stringsx.DedupeAndTrimUpper(r.ExcludedCountries)

	docs := make([]DocumentType, 0, len(r.AllowedDocumentTypes))
	for _, d := range r.AllowedDocumentTypes {
		if !slices.Contains(docs, d) {
			docs = append(docs, d)
		}
	}
	r.AllowedDocumentTypes = docs
}

// Validate checks the requirement invariants. Call Normalize first.
func (r Requirements) Validate() error {
	if r.MinimumAge <= 0 || r.MinimumAge > MaxMinimumAge {
		return dErrors.New(dErrors.CodeRequirementsInvalid, "minimumAge must be between 1 and 150")
	}
	if len(r.AllowedDocumentTypes) == 0 {
		return dErrors.New(dErrors.CodeRequirementsInvalid, "allowedDocumentTypes must not be empty")
	}
	for _, d := range r.AllowedDocumentTypes {
		if !d.IsKnown() {
			return dErrors.New(dErrors.CodeRequirementsInvalid, "allowedDocumentTypes contains an unknown document type")
		}
	}
	for _, c := range r.ExcludedCountries {
		if !isCountryCode(c) {
			return dErrors.New(dErrors.CodeRequirementsInvalid, "excludedCountries must contain 2 or 3 letter country codes")
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a frozen snapshot.
func (r Requirements) Clone() Requirements {
	out := r
	out.AllowedDocumentTypes = slices.Clone(r.AllowedDocumentTypes)
	out.ExcludedCountries = slices.Clone(r.ExcludedCountries)
	if out.AllowedDocumentTypes == nil {
		out.AllowedDocumentTypes = []DocumentType{}
	}
	if out.ExcludedCountries == nil {
		out.ExcludedCountries = []string{}
	}
	return out
}

func isCountryCode(c string) bool {
	if len(c) < 2 || len(c) > 3 {
		return false
	}
	for _, ch := range c {
		if ch < 'A' || ch > 'Z' {
			return false
		}
	}
	return true
}
