// Package workflow drives prescription requests from submission through
// review to authorization, issuing the dispensing token on approval.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caremesh/rxauth/internal/domain/request"
	"github.com/caremesh/rxauth/internal/domain/rxerr"
	"github.com/caremesh/rxauth/internal/domain/triage"
	"github.com/caremesh/rxauth/internal/token"
)

// EventStore persists request aggregates. Save must fail with a conflict
// error when another writer committed the same version first.
type EventStore interface {
	Save(ctx context.Context, agg *request.Aggregate) error
	Load(ctx context.Context, id string) (*request.Aggregate, error)
}

// TokenStore persists issued tokens with a uniqueness constraint on the
// request id, so a second issuance for one request cannot land.
type TokenStore interface {
	Save(ctx context.Context, t *token.Token) error
	ByRequest(ctx context.Context, requestID string) (*token.Token, error)
}

// Notifier announces terminal transitions to excluded collaborators.
// Delivery is fire-and-forget: failures are logged, never block a transition.
type Notifier interface {
	TerminalTransition(ctx context.Context, requestID string, status request.Status, facilityID string) error
}

// Service orchestrates the review workflow.
type Service struct {
	store      EventStore
	tokens     TokenStore
	classifier *triage.Classifier
	issuer     *token.Issuer
	notifier   Notifier
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewService creates the workflow service.
func NewService(store EventStore, tokens TokenStore, classifier *triage.Classifier, issuer *token.Issuer, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		tokens:     tokens,
		classifier: classifier,
		issuer:     issuer,
		notifier:   notifier,
		logger:     logger,
		tracer:     otel.Tracer("workflow"),
	}
}

// SubmitInput is a new prescription request at intake.
type SubmitInput struct {
	PatientID  string                   `json:"patient_id"`
	FacilityID string                   `json:"facility_id"`
	Lines      []request.MedicationLine `json:"lines"`
	Emergency  bool                     `json:"emergency"`
}

// Submission is the intake result.
type Submission struct {
	RequestID  string             `json:"request_id"`
	Status     request.Status     `json:"status"`
	Assignment request.Assignment `json:"assignment"`
}

// Submit validates intake, triages the request and persists it.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Submission, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_submit")
	defer span.End()

	agg := request.New(uuid.New().String())
	if err := agg.Submit(in.PatientID, in.FacilityID, in.Lines, in.Emergency); err != nil {
		return nil, err
	}

	assignment := s.classifier.Classify(in.Lines, in.Emergency)
	if err := agg.Triage(assignment); err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, agg); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("request_id", agg.ID()),
		attribute.String("category", string(assignment.Category)),
	)
	s.logger.Info("request submitted",
		zap.String("request_id", agg.ID()),
		zap.String("category", string(assignment.Category)),
		zap.String("assigned_role", string(assignment.Role)),
		zap.Bool("emergency", in.Emergency),
	)

	return &Submission{RequestID: agg.ID(), Status: agg.Status(), Assignment: assignment}, nil
}

// DecideInput is one reviewer action on a request.
type DecideInput struct {
	RequestID  string                   `json:"request_id"`
	ReviewerID string                   `json:"reviewer_id"`
	Role       request.Role             `json:"role"`
	Action     request.Action           `json:"action"`
	Notes      string                   `json:"notes"`
	// ApprovedLines carries physician dosage modifications; empty approves
	// the requested lines as-is.
	ApprovedLines []request.MedicationLine `json:"approved_lines,omitempty"`
}

// Decision is the outcome of a reviewer action.
type Decision struct {
	RequestID string         `json:"request_id"`
	Status    request.Status `json:"status"`
	// Token is the encoded authorization token, set only when the decision
	// authorized the request.
	Token string `json:"token,omitempty"`
}

// Decide applies a reviewer action, issuing the authorization token when the
// request reaches AUTHORIZED and announcing terminal transitions.
func (s *Service) Decide(ctx context.Context, in DecideInput) (*Decision, error) {
	ctx, span := s.tracer.Start(ctx, "workflow_decide",
		trace.WithAttributes(
			attribute.String("request_id", in.RequestID),
			attribute.String("action", string(in.Action)),
			attribute.String("role", string(in.Role)),
		))
	defer span.End()

	agg, err := s.store.Load(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}

	newStatus, err := agg.Decide(in.ReviewerID, in.Role, in.Action, in.Notes, in.ApprovedLines)
	if err != nil {
		s.logger.Warn("decision rejected",
			zap.String("request_id", in.RequestID),
			zap.String("role", string(in.Role)),
			zap.String("action", string(in.Action)),
			zap.Error(err),
		)
		return nil, err
	}

	// Persist the transition first; a stale writer dies here with a conflict
	// and the other reviewer's outcome stands.
	if err := s.store.Save(ctx, agg); err != nil {
		return nil, err
	}

	out := &Decision{RequestID: agg.ID(), Status: newStatus}

	if newStatus == request.StatusAuthorized {
		tok, err := s.issueToken(ctx, agg)
		if err != nil {
			return nil, err
		}
		out.Token = tok.Encoded()
	}

	if newStatus.Terminal() {
		// Fire-and-forget: a sick notification channel never blocks the
		// workflow state change.
		if err := s.notifier.TerminalTransition(ctx, agg.ID(), newStatus, agg.FacilityID()); err != nil {
			s.logger.Warn("terminal notification failed",
				zap.String("request_id", agg.ID()),
				zap.String("status", string(newStatus)),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("decision recorded",
		zap.String("request_id", agg.ID()),
		zap.String("reviewer_id", in.ReviewerID),
		zap.String("action", string(in.Action)),
		zap.String("new_status", string(newStatus)),
	)

	return out, nil
}

func (s *Service) issueToken(ctx context.Context, agg *request.Aggregate) (*token.Token, error) {
	controlled := false
	for _, l := range agg.ApprovedLines() {
		if s.classifier.IsControlled(l.Name) {
			controlled = true
			break
		}
	}

	tok, err := s.issuer.Issue(agg.ID(), agg.FacilityID(), agg.ApprovedLines(), controlled)
	if err != nil {
		return nil, fmt.Errorf("issue token for %s: %w", agg.ID(), err)
	}

	// The unique constraint on request id is the backstop: even if workflow
	// logic misfires, a second token for one request cannot be stored.
	if err := s.tokens.Save(ctx, tok); err != nil {
		if rxerr.IsCode(err, rxerr.CodeConflict) {
			// A concurrent issuer won the unique slot; theirs is the token.
			if existing, readErr := s.tokens.ByRequest(ctx, agg.ID()); readErr == nil && existing != nil {
				return existing, nil
			}
		}
		s.logger.Error("token store rejected issuance",
			zap.String("request_id", agg.ID()),
			zap.String("token_id", tok.Payload.TokenID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("token issued",
		zap.String("request_id", agg.ID()),
		zap.String("token_id", tok.Payload.TokenID),
		zap.Time("expires_at", tok.Payload.ExpiresAt),
		zap.Bool("controlled", controlled),
	)
	return tok, nil
}

// StatusView is the queryable state of a request.
type StatusView struct {
	RequestID  string                   `json:"request_id"`
	Status     request.Status           `json:"status"`
	Assignment *request.Assignment      `json:"assignment,omitempty"`
	Decisions  []request.ReviewDecision `json:"decisions"`
	Lines      []request.MedicationLine `json:"lines"`
	Emergency  bool                     `json:"emergency"`
	UpdatedAt  time.Time                `json:"-"`
}

// Status returns the current state, assignment and decision history.
func (s *Service) Status(ctx context.Context, requestID string) (*StatusView, error) {
	agg, err := s.store.Load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		RequestID:  agg.ID(),
		Status:     agg.Status(),
		Assignment: agg.Assignment(),
		Decisions:  agg.Decisions(),
		Lines:      agg.Lines(),
		Emergency:  agg.Emergency(),
	}
	if view.Decisions == nil {
		view.Decisions = []request.ReviewDecision{}
	}
	return view, nil
}

// TokenFor returns the encoded token for an authorized request. Issuance is
// repairable here: when the request reached AUTHORIZED but the token write
// failed, the first retrieval issues and stores the token. The unique
// constraint on request id keeps concurrent repairs race-safe.
func (s *Service) TokenFor(ctx context.Context, requestID string) (string, error) {
	tok, err := s.tokens.ByRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if tok == nil {
		agg, err := s.store.Load(ctx, requestID)
		if err != nil {
			return "", err
		}
		if agg.Status() != request.StatusAuthorized {
			return "", rxerr.New(rxerr.CodeNotFound, "token", fmt.Sprintf("no token issued for request %s", requestID))
		}

		s.logger.Warn("authorized request missing token, issuing on retrieval",
			zap.String("request_id", requestID))
		tok, err = s.issueToken(ctx, agg)
		if err != nil {
			return "", err
		}
	}
	return tok.Encoded(), nil
}
