// Package request implements the prescription request aggregate and domain events.
package request

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventRequestSubmitted EventType = "RequestSubmitted"
	EventRequestTriaged   EventType = "RequestTriaged"
	EventDecisionRecorded EventType = "DecisionRecorded"
)

// Event represents a domain event on a prescription request
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	FacilityID    string          `json:"facility_id,omitempty"`
	ReviewerID    string          `json:"reviewer_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "PrescriptionRequest",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// RequestSubmittedData contains intake details
type RequestSubmittedData struct {
	RequestID  string           `json:"request_id"`
	PatientID  string           `json:"patient_id"`
	FacilityID string           `json:"facility_id"`
	Lines      []MedicationLine `json:"lines"`
	Emergency  bool             `json:"emergency"`
	CreatedAt  time.Time        `json:"created_at"`
}

// RequestTriagedData contains the routing decision
type RequestTriagedData struct {
	RequestID  string     `json:"request_id"`
	Assignment Assignment `json:"assignment"`
	TriagedAt  time.Time  `json:"triaged_at"`
}

// DecisionRecordedData contains one reviewer action and the resulting status
type DecisionRecordedData struct {
	RequestID     string           `json:"request_id"`
	Decision      ReviewDecision   `json:"decision"`
	NewStatus     Status           `json:"new_status"`
	ApprovedLines []MedicationLine `json:"approved_lines,omitempty"`
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(patientID, facilityID, reviewerID string) *Event {
	e.PatientID = patientID
	e.FacilityID = facilityID
	e.ReviewerID = reviewerID
	return e
}
