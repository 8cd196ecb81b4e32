package dispense

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresLedger backs the ledger with the dispense_records table. The
// primary key on token_id makes the claim a single atomic insert; uniqueness
// is enforced at the storage layer, not merely in application code.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a ledger on the given pool.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLedger{pool: pool, logger: logger}
}

// Claim inserts the record, deferring to whatever row won the key first.
func (l *PostgresLedger) Claim(ctx context.Context, rec *Record) (bool, *Record, error) {
	query := `
		INSERT INTO dispense_records (token_id, request_id, outcome, reason, party_id, id_proof)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_id) DO NOTHING
		RETURNING created_at
	`

	err := l.pool.QueryRow(ctx, query,
		rec.TokenID, rec.RequestID, rec.Outcome, rec.Reason, rec.PartyID, rec.IDProof,
	).Scan(&rec.CreatedAt)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("claim token %s: %w", rec.TokenID, err)
	}

	// Conflict: report the record that won.
	existing, err := l.Get(ctx, rec.TokenID)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// The winning row vanished between insert and read; treat as lost claim.
		return false, nil, fmt.Errorf("claim token %s: conflicting record not readable", rec.TokenID)
	}
	return false, existing, nil
}

// Get returns the ledger entry for a token id, or nil if none exists.
func (l *PostgresLedger) Get(ctx context.Context, tokenID string) (*Record, error) {
	query := `
		SELECT token_id, request_id, outcome, reason, party_id, id_proof, created_at
		FROM dispense_records
		WHERE token_id = $1
	`

	rec := &Record{}
	err := l.pool.QueryRow(ctx, query, tokenID).Scan(
		&rec.TokenID, &rec.RequestID, &rec.Outcome, &rec.Reason,
		&rec.PartyID, &rec.IDProof, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dispense record %s: %w", tokenID, err)
	}
	return rec, nil
}
