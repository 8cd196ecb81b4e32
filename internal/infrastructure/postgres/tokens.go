// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/caremesh/rxauth/internal/domain/rxerr"
	"github.com/caremesh/rxauth/internal/token"
)

// TokenStore persists issued authorization tokens. The unique constraint on
// request_id guarantees at most one token per authorized request at the
// storage layer.
type TokenStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewTokenStore creates a token store.
func NewTokenStore(pool *pgxpool.Pool, logger *zap.Logger) *TokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenStore{pool: pool, logger: logger}
}

// Save inserts the token. A duplicate request id is a conflict.
func (s *TokenStore) Save(ctx context.Context, t *token.Token) error {
	query := `
		INSERT INTO authorization_tokens (token_id, request_id, payload, signature, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		t.Payload.TokenID,
		t.Payload.RequestID,
		t.Raw,
		t.Signature,
		t.Payload.IssuedAt,
		t.Payload.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return rxerr.Wrap(rxerr.CodeConflict, "token",
				fmt.Errorf("token already issued for request %s", t.Payload.RequestID))
		}
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// ByRequest returns the token issued for a request, or nil if none.
func (s *TokenStore) ByRequest(ctx context.Context, requestID string) (*token.Token, error) {
	query := `
		SELECT payload, signature
		FROM authorization_tokens
		WHERE request_id = $1
	`

	var raw, sig []byte
	err := s.pool.QueryRow(ctx, query, requestID).Scan(&raw, &sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %w", requestID, err)
	}

	var payload token.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode stored token payload for %s: %w", requestID, err)
	}

	return &token.Token{Payload: payload, Raw: raw, Signature: sig}, nil
}
