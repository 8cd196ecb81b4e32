package dispense

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caremesh/rxauth/internal/token"
)

// Result is the answer given to a dispensing party. Every rejection is
// definitive; nothing here is retried automatically.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Verifier checks presented tokens and consumes them exactly once. It is safe
// to invoke concurrently from multiple dispensing parties presenting the same
// token: the ledger claim lets exactly one succeed.
type Verifier struct {
	signer *token.Signer
	ledger Ledger
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewVerifier creates a verifier over the given signer and ledger.
func NewVerifier(signer *token.Signer, ledger Ledger, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		signer: signer,
		ledger: ledger,
		logger: logger,
		tracer: otel.Tracer("dispense-verifier"),
		now:    time.Now,
	}
}

// VerifyAndDispense runs the checks in order, short-circuiting on the first
// failure: signature, expiry, identification precondition, atomic claim.
// The ledger write is the single source of truth for "already dispensed".
func (v *Verifier) VerifyAndDispense(ctx context.Context, presented *token.Presented, partyID, idProof string) (*Result, error) {
	ctx, span := v.tracer.Start(ctx, "verify_and_dispense",
		trace.WithAttributes(
			attribute.String("token_id", presented.Payload.TokenID),
			attribute.String("party_id", partyID),
		))
	defer span.End()

	if !v.signer.Verify(presented.Raw, presented.Signature) {
		// Possible forgery attempt; log detail, answer generically.
		v.logger.Error("token signature mismatch",
			zap.String("token_id", presented.Payload.TokenID),
			zap.String("party_id", partyID),
		)
		span.SetAttributes(attribute.String("outcome", ReasonInvalidToken))
		return &Result{Accepted: false, Reason: ReasonInvalidToken}, nil
	}

	// Wall clock read once per verification, not cached across calls.
	if presented.Payload.Expired(v.now()) {
		span.SetAttributes(attribute.String("outcome", ReasonExpired))
		return &Result{Accepted: false, Reason: ReasonExpired}, nil
	}

	// Controlled lines require identification proof before any ledger mutation.
	if presented.Payload.Controlled && idProof == "" {
		span.SetAttributes(attribute.String("outcome", ReasonIDRequired))
		return &Result{Accepted: false, Reason: ReasonIDRequired}, nil
	}

	claimed, existing, err := v.ledger.Claim(ctx, &Record{
		TokenID:   presented.Payload.TokenID,
		RequestID: presented.Payload.RequestID,
		Outcome:   OutcomeDispensed,
		PartyID:   partyID,
		IDProof:   idProof,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !claimed {
		reason := ReasonAlreadyDispensed
		if existing != nil && existing.Outcome == OutcomeRejected && existing.Reason != "" {
			reason = existing.Reason
		}
		span.SetAttributes(attribute.String("outcome", reason))
		return &Result{Accepted: false, Reason: reason}, nil
	}

	v.logger.Info("token dispensed",
		zap.String("token_id", presented.Payload.TokenID),
		zap.String("request_id", presented.Payload.RequestID),
		zap.String("party_id", partyID),
		zap.Bool("controlled", presented.Payload.Controlled),
	)
	span.SetAttributes(attribute.String("outcome", "accepted"))
	return &Result{Accepted: true}, nil
}
