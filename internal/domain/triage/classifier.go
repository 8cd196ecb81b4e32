// Package triage classifies prescription requests to route them to the
// correct reviewer tier. Classification is pure and deterministic: the same
// request always yields the same assignment.
package triage

import (
	"strings"

	"github.com/caremesh/rxauth/internal/domain/request"
)

// Classifier routes requests by clinical risk signals. The controlled and
// formulary designations are fixed at construction; there is no mutable
// module-level policy state.
type Classifier struct {
	controlled map[string]struct{}
	formulary  map[string]struct{}
}

// DefaultControlledSubstances lists medication names designated as controlled.
// Matching is case-insensitive on the line name.
var DefaultControlledSubstances = []string{
	"tramadol",
	"oxycodone",
	"morphine",
	"fentanyl",
	"codeine",
	"diazepam",
	"alprazolam",
	"methylphenidate",
	"buprenorphine",
	"ketamine",
}

// NewClassifier creates a classifier. An empty formulary disables the
// recognition check, treating every medication name as recognized.
func NewClassifier(controlled, formulary []string) *Classifier {
	c := &Classifier{
		controlled: make(map[string]struct{}, len(controlled)),
		formulary:  make(map[string]struct{}, len(formulary)),
	}
	for _, name := range controlled {
		c.controlled[normalize(name)] = struct{}{}
	}
	for _, name := range formulary {
		c.formulary[normalize(name)] = struct{}{}
	}
	return c
}

// Default returns a classifier with the default controlled designations and
// no formulary restriction.
func Default() *Classifier {
	return NewClassifier(DefaultControlledSubstances, nil)
}

// Classify routes a request. Precedence, first match wins: emergency,
// controlled substance, all-repeats, unrecognized medication, any-new.
// An all-repeat request stays routine even when a line is off-formulary:
// the medication was authorized before, so recognition only gates new lines.
// Callers must reject empty medication lists at intake; triage assumes a
// non-empty, validated request.
func (c *Classifier) Classify(lines []request.MedicationLine, emergency bool) request.Assignment {
	if emergency {
		return request.Assignment{
			Category: request.CategoryComplexCase,
			Role:     request.RolePhysician,
			Reason:   "emergency flag set; physician review bypasses routine queueing",
		}
	}

	for _, l := range lines {
		if c.IsControlled(l.Name) {
			return request.Assignment{
				Category: request.CategoryControlled,
				Role:     request.RolePharmacist,
				Reason:   "controlled substance designation on " + l.Name + "; physician step mandatory downstream",
			}
		}
	}

	allRepeats := true
	for _, l := range lines {
		if !l.Repeat {
			allRepeats = false
			break
		}
	}
	if allRepeats {
		return request.Assignment{
			Category: request.CategoryRoutineRepeat,
			Role:     request.RolePharmacist,
			Reason:   "all lines repeat previously authorized medications",
		}
	}

	if unknown, ok := c.unrecognized(lines); ok {
		return request.Assignment{
			Category: request.CategorySpecialistRequired,
			Role:     request.RolePhysician,
			Reason:   "unrecognized medication " + unknown + "; routed directly to physician",
		}
	}

	return request.Assignment{
		Category: request.CategoryUrgentNew,
		Role:     request.RolePharmacist,
		Reason:   "new medication line present; pharmacist first pass with escalation available",
	}
}

// IsControlled reports whether the medication name carries a controlled
// substance designation.
func (c *Classifier) IsControlled(name string) bool {
	_, ok := c.controlled[normalize(name)]
	return ok
}

func (c *Classifier) unrecognized(lines []request.MedicationLine) (string, bool) {
	if len(c.formulary) == 0 {
		return "", false
	}
	for _, l := range lines {
		if _, ok := c.formulary[normalize(l.Name)]; !ok {
			return l.Name, true
		}
	}
	return "", false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
