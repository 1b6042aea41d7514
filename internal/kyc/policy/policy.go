// Package policy evaluates disclosed attributes against frozen session requirements.
package policy

import (
	"slices"
	"strings"

	"onchainkyc/internal/kyc/models"
)

// Decision is the outcome of Evaluate. Reason is empty when Passed.
type Decision struct {
	Passed bool
	Reason models.PolicyReason
}

func pass() Decision { return Decision{Passed: true} }

func fail(reason models.PolicyReason) Decision {
	return Decision{Reason: reason}
}

// Evaluate applies the compliance predicates in a fixed order and stops at the
// first failure. This is pure domain logic - no I/O, no side effects.
//
// Rule order (fail-fast):
//  1. Age at least MinimumAge
//  2. Document type allowed
//  3. No sanctions-list match, when RequireOFACCheck
//  4. Nationality not excluded (case-insensitive)
func Evaluate(req models.Requirements, attrs models.Attributes) Decision {
	if attrs.AgeAtLeast < req.MinimumAge {
		return fail(models.PolicyAgeBelowMinimum)
	}

	if !slices.Contains(req.AllowedDocumentTypes, attrs.DocumentType) {
		return fail(models.PolicyDocumentTypeNotAllowed)
	}

	if req.RequireOFACCheck && attrs.IsOFACMatch {
		return fail(models.PolicySanctionsMatch)
	}

	if isExcluded(req.ExcludedCountries, attrs.Nationality) {
		return fail(models.PolicyNationalityExcluded)
	}

	return pass()
}

func isExcluded(excluded []string, nationality string) bool {
	for _, c := range excluded {
		if strings.EqualFold(c, nationality) {
			return true
		}
	}
	return false
}
