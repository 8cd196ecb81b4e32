// Package dispense implements token verification and the dispense ledger:
// the durable record of which authorization tokens have been consumed.
package dispense

import (
	"context"
	"time"
)

// Outcome of a ledger entry.
type Outcome string

const (
	OutcomeDispensed Outcome = "dispensed"
	OutcomeRejected  Outcome = "rejected"
)

// Rejection reasons reported to dispensing parties.
const (
	ReasonInvalidToken     = "INVALID_TOKEN"
	ReasonExpired          = "EXPIRED"
	ReasonIDRequired       = "ID_REQUIRED"
	ReasonAlreadyDispensed = "ALREADY_DISPENSED"
)

// Record is one ledger entry. TokenID is the at-most-once key: at most one
// record with OutcomeDispensed may ever exist per token id.
type Record struct {
	TokenID   string    `json:"token_id"`
	RequestID string    `json:"request_id"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	PartyID   string    `json:"party_id"`
	IDProof   string    `json:"id_proof,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger enforces at-most-once consumption independently of the signer.
type Ledger interface {
	// Claim atomically inserts rec keyed by token id. When a record already
	// exists the claim fails and the existing record is returned; there is no
	// read-then-write gap in which two claims could both succeed.
	Claim(ctx context.Context, rec *Record) (claimed bool, existing *Record, err error)

	// Get returns the ledger entry for a token id, or nil if none exists.
	Get(ctx context.Context, tokenID string) (*Record, error)
}
