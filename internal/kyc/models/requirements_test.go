package models

import (
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "onchainkyc/pkg/domain-errors"
)

func TestRequirements_Validate(t *testing.T) {
	valid := func() Requirements {
		return Requirements{
			MinimumAge:           18,
			RequireOFACCheck:     true,
			AllowedDocumentTypes: []DocumentType{DocumentTypePassport},
			ExcludedCountries:    []string{"kp", " IR "},
		}
	}

	t.Run("normalized requirements pass", func(t *testing.T) {
		r := valid()
		r.Normalize()
		assert.NoError(t, r.Validate())
		assert.Equal(t, []string{"KP", "IR"}, r.ExcludedCountries)
	})

	cases := map[string]func(r *Requirements){
		"zero minimum age":        func(r *Requirements) { r.MinimumAge = 0 },
		"negative minimum age":    func(r *Requirements) { r.MinimumAge = -3 },
		"minimum age above 150":   func(r *Requirements) { r.MinimumAge = 151 },
		"no document types":       func(r *Requirements) { r.AllowedDocumentTypes = nil },
		"unknown document type":   func(r *Requirements) { r.AllowedDocumentTypes = []DocumentType{9} },
		"country code too long":   func(r *Requirements) { r.ExcludedCountries = []string{"USAA"} },
		"country code with digit": func(r *Requirements) { r.ExcludedCountries = []string{"U1"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid()
			mutate(&r)
			r.Normalize()
			err := r.Validate()
			assert.True(t, dErrors.HasCode(err, dErrors.CodeRequirementsInvalid), "got %v", err)
		})
	}

	t.Run("normalize removes duplicate document types", func(t *testing.T) {
		r := valid()
		r.AllowedDocumentTypes = []DocumentType{1, 2, 1}
		r.Normalize()
		assert.Equal(t, []DocumentType{1, 2}, r.AllowedDocumentTypes)
	})
}

func TestRequirements_CloneIsIndependent(t *testing.T) {
	r := DefaultRequirements()
	c := r.Clone()
	c.AllowedDocumentTypes[0] = DocumentTypeAadhaar
	assert.Equal(t, DocumentTypePassport, r.AllowedDocumentTypes[0])
}
