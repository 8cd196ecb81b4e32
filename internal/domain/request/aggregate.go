package request

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/caremesh/rxauth/internal/domain/rxerr"
)

// Aggregate is the prescription request aggregate root. Status moves
// monotonically along the workflow graph; terminal statuses are immutable.
type Aggregate struct {
	id            string
	version       int
	status        Status
	patientID     string
	facilityID    string
	emergency     bool
	lines         []MedicationLine
	assignment    *Assignment
	decisions     []ReviewDecision
	approvedLines []MedicationLine
	createdAt     time.Time
	updatedAt     time.Time
	changes       []*Event
}

// New creates an empty aggregate awaiting submission.
func New(id string) *Aggregate {
	return &Aggregate{
		id:      id,
		changes: make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// PatientID returns the patient identity
func (a *Aggregate) PatientID() string { return a.patientID }

// FacilityID returns the hospital/facility identity
func (a *Aggregate) FacilityID() string { return a.facilityID }

// Emergency reports the emergency flag
func (a *Aggregate) Emergency() bool { return a.emergency }

// Lines returns the requested medication lines
func (a *Aggregate) Lines() []MedicationLine { return a.lines }

// ApprovedLines returns the lines exactly as authorized. The physician may
// have modified dosage, so these can differ from the requested lines.
func (a *Aggregate) ApprovedLines() []MedicationLine { return a.approvedLines }

// Assignment returns the triage assignment, nil before triage.
func (a *Aggregate) Assignment() *Assignment { return a.assignment }

// Decisions returns the append-only review decision history.
func (a *Aggregate) Decisions() []ReviewDecision { return a.decisions }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Submit records the intake of a new prescription request.
func (a *Aggregate) Submit(patientID, facilityID string, lines []MedicationLine, emergency bool) error {
	if a.status != "" {
		return rxerr.Authorizationf("state", "request %s already submitted", a.id)
	}
	if patientID == "" {
		return rxerr.Validationf("patient", "patient identity is required")
	}
	if facilityID == "" {
		return rxerr.Validationf("facility", "facility identity is required")
	}
	if len(lines) == 0 {
		return rxerr.Validationf("lines", "at least one medication line is required")
	}
	for _, l := range lines {
		if strings.TrimSpace(l.Name) == "" {
			return rxerr.Validationf("lines", "medication name is required on every line")
		}
		if l.Quantity <= 0 {
			return rxerr.Validationf("lines", "medication quantity must be positive")
		}
	}

	data := &RequestSubmittedData{
		RequestID:  a.id,
		PatientID:  patientID,
		FacilityID: facilityID,
		Lines:      lines,
		Emergency:  emergency,
		CreatedAt:  time.Now().UTC(),
	}

	event, err := NewEvent(a.id, EventRequestSubmitted, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(patientID, facilityID, "")

	a.apply(event)
	a.changes = append(a.changes, event)
	return nil
}

// Triage records the routing decision. Computed once; re-triage on amendment
// is a new assignment via a new event, never an edit.
func (a *Aggregate) Triage(as Assignment) error {
	if a.status != StatusRequested {
		return rxerr.Authorizationf("state", "request %s not awaiting triage (status %s)", a.id, a.status)
	}

	data := &RequestTriagedData{
		RequestID:  a.id,
		Assignment: as,
		TriagedAt:  time.Now().UTC(),
	}

	event, err := NewEvent(a.id, EventRequestTriaged, data)
	if err != nil {
		return err
	}
	event.WithAuditInfo(a.patientID, a.facilityID, "")

	a.apply(event)
	a.changes = append(a.changes, event)
	return nil
}

// transitionRule is one row of the workflow transition table.
type transitionRule struct {
	role          Role
	action        Action
	requiresNotes bool
	next          func(Category) Status
}

func toStatus(s Status) func(Category) Status {
	return func(Category) Status { return s }
}

// pharmacist approval is terminal only for categories that allow it; on
// controlled and other physician-mandatory categories it escalates instead.
func pharmacistApprove(c Category) Status {
	if c.PharmacistTerminal() {
		return StatusAuthorized
	}
	return StatusEscalated
}

var physicianRules = []transitionRule{
	{RolePhysician, ActionApprove, false, toStatus(StatusAuthorized)},
	{RolePhysician, ActionReject, true, toStatus(StatusRejected)},
}

// transitions enumerates every legal (state, role, action) triple. Anything
// not listed is rejected structurally.
var transitions = map[Status][]transitionRule{
	StatusPharmacistReview: {
		{RolePharmacist, ActionApprove, false, pharmacistApprove},
		{RolePharmacist, ActionEscalate, true, toStatus(StatusEscalated)},
		{RolePharmacist, ActionRequestConsultation, false, toStatus(StatusConsultationRequested)},
		{RolePharmacist, ActionReject, true, toStatus(StatusRejected)},
	},
	StatusPhysicianReview:       physicianRules,
	StatusEscalated:             physicianRules,
	StatusConsultationRequested: physicianRules,
}

// Decide applies one reviewer action. approvedLines may carry physician
// modifications and is only consulted when the action authorizes the request;
// nil means the requested lines are approved as-is. Invalid attempts leave
// the aggregate untouched.
func (a *Aggregate) Decide(reviewerID string, role Role, action Action, notes string, approvedLines []MedicationLine) (Status, error) {
	if a.status.Terminal() {
		return a.status, rxerr.Authorizationf("state", "request %s is terminal (%s)", a.id, a.status)
	}

	rules, ok := transitions[a.status]
	if !ok {
		return a.status, rxerr.Authorizationf("state", "request %s does not accept decisions in status %s", a.id, a.status)
	}
	if a.assignment == nil {
		return a.status, rxerr.Authorizationf("assignment", "request %s has no triage assignment", a.id)
	}

	var rule *transitionRule
	roleValid := false
	for i := range rules {
		if rules[i].role == role {
			roleValid = true
			if rules[i].action == action {
				rule = &rules[i]
				break
			}
		}
	}
	if !roleValid {
		return a.status, rxerr.Authorizationf("role", "role %s may not act on request %s in status %s", role, a.id, a.status)
	}
	if rule == nil {
		return a.status, rxerr.Authorizationf("action", "action %s is not valid for role %s in status %s", action, role, a.status)
	}
	if rule.requiresNotes && strings.TrimSpace(notes) == "" {
		return a.status, rxerr.Validationf("notes", "action %s requires a non-empty clinical reason", action)
	}

	next := rule.next(a.assignment.Category)

	decision := ReviewDecision{
		ReviewerID: reviewerID,
		Role:       role,
		Action:     action,
		Notes:      notes,
		DecidedAt:  time.Now().UTC(),
	}

	data := &DecisionRecordedData{
		RequestID: a.id,
		Decision:  decision,
		NewStatus: next,
	}
	if next == StatusAuthorized {
		data.ApprovedLines = approvedLines
		if len(data.ApprovedLines) == 0 {
			data.ApprovedLines = a.lines
		}
	}

	event, err := NewEvent(a.id, EventDecisionRecorded, data)
	if err != nil {
		return a.status, err
	}
	event.WithAuditInfo(a.patientID, a.facilityID, reviewerID)

	a.apply(event)
	a.changes = append(a.changes, event)
	return a.status, nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) {
	a.version++
	a.updatedAt = event.Timestamp

	switch event.EventType {
	case EventRequestSubmitted:
		a.applySubmitted(event)
	case EventRequestTriaged:
		a.applyTriaged(event)
	case EventDecisionRecorded:
		a.applyDecision(event)
	}
}

func (a *Aggregate) applySubmitted(event *Event) {
	var data RequestSubmittedData
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return
	}
	a.status = StatusRequested
	a.patientID = data.PatientID
	a.facilityID = data.FacilityID
	a.lines = data.Lines
	a.emergency = data.Emergency
	a.createdAt = data.CreatedAt
}

func (a *Aggregate) applyTriaged(event *Event) {
	var data RequestTriagedData
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return
	}
	as := data.Assignment
	a.assignment = &as
	if as.Role == RolePhysician {
		a.status = StatusPhysicianReview
	} else {
		a.status = StatusPharmacistReview
	}
}

func (a *Aggregate) applyDecision(event *Event) {
	var data DecisionRecordedData
	if err := json.Unmarshal(event.EventData, &data); err != nil {
		return
	}
	a.decisions = append(a.decisions, data.Decision)
	a.status = data.NewStatus
	if data.NewStatus == StatusAuthorized {
		a.approvedLines = data.ApprovedLines
	}
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) {
	for _, event := range events {
		a.apply(event)
	}
}
