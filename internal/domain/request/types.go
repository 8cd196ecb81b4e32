// Package request implements the prescription request aggregate and its
// review workflow state machine.
package request

import "time"

// Status represents the workflow state of a prescription request.
type Status string

const (
	StatusRequested             Status = "REQUESTED"
	StatusPharmacistReview      Status = "PHARMACIST_REVIEW"
	StatusPhysicianReview       Status = "PHYSICIAN_REVIEW"
	StatusEscalated             Status = "ESCALATED"
	StatusConsultationRequested Status = "CONSULTATION_REQUESTED"
	StatusAuthorized            Status = "AUTHORIZED"
	StatusRejected              Status = "REJECTED"
)

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool {
	return s == StatusAuthorized || s == StatusRejected
}

// Role identifies a reviewer tier.
type Role string

const (
	RolePharmacist Role = "pharmacist"
	RolePhysician  Role = "physician"
)

// Action is an individual reviewer's decision action.
type Action string

const (
	ActionApprove             Action = "approve"
	ActionEscalate            Action = "escalate"
	ActionReject              Action = "reject"
	ActionRequestConsultation Action = "request-consultation"
)

// Category is the triage classification of a request.
type Category string

const (
	CategoryRoutineRepeat      Category = "routine-repeat"
	CategoryUrgentNew          Category = "urgent-new"
	CategoryControlled         Category = "controlled-substance"
	CategoryComplexCase        Category = "complex-case"
	CategorySpecialistRequired Category = "specialist-required"
)

// PharmacistTerminal reports whether a pharmacist approval on this category
// authorizes the request directly, with no mandatory physician step.
func (c Category) PharmacistTerminal() bool {
	return c == CategoryRoutineRepeat || c == CategoryUrgentNew
}

// RequiresPhysician reports whether the category demands a physician decision
// before AUTHORIZED is reachable.
func (c Category) RequiresPhysician() bool {
	return !c.PharmacistTerminal()
}

// MedicationLine is one requested medication on a prescription.
type MedicationLine struct {
	Name     string `json:"name"`
	Strength string `json:"strength"`
	Quantity int    `json:"quantity"`
	Repeat   bool   `json:"repeat"`
}

// Assignment is the routing decision produced by triage. It is computed once
// at submission and never mutated.
type Assignment struct {
	Category Category `json:"category"`
	Role     Role     `json:"role"`
	Reason   string   `json:"reason"`
}

// ReviewDecision is a single reviewer action, append-only.
type ReviewDecision struct {
	ReviewerID string    `json:"reviewer_id"`
	Role       Role      `json:"role"`
	Action     Action    `json:"action"`
	Notes      string    `json:"notes"`
	DecidedAt  time.Time `json:"decided_at"`
}
