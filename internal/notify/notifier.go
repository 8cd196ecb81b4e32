// Package notify announces workflow outcomes to excluded collaborators.
// Delivery rides the transactional outbox: a failed notification channel
// never blocks or rolls back an authorization state change.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/caremesh/rxauth/internal/domain/request"
	"github.com/caremesh/rxauth/internal/infrastructure/postgres"
	"github.com/caremesh/rxauth/internal/infrastructure/redpanda"
)

// TerminalEvent is the payload published for a terminal transition.
type TerminalEvent struct {
	RequestID  string         `json:"request_id"`
	Status     request.Status `json:"status"`
	FacilityID string         `json:"facility_id"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// OutboxNotifier writes terminal-transition events to the notification
// outbox for the relay to publish.
type OutboxNotifier struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOutboxNotifier creates a notifier on the given pool.
func NewOutboxNotifier(pool *pgxpool.Pool, logger *zap.Logger) *OutboxNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxNotifier{pool: pool, logger: logger}
}

// TerminalTransition records the notification intent durably.
func (n *OutboxNotifier) TerminalTransition(ctx context.Context, requestID string, status request.Status, facilityID string) error {
	payload, err := json.Marshal(TerminalEvent{
		RequestID:  requestID,
		Status:     status,
		FacilityID: facilityID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal terminal event: %w", err)
	}

	tx, err := n.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Two entries: one for the notification sender, one for the event stream.
	for _, topic := range []string{redpanda.TopicNotificationsOutbound, redpanda.TopicAuthorizationEvents} {
		entry := &postgres.OutboxEntry{
			RequestID:  requestID,
			EventType:  "request." + string(status),
			Payload:    payload,
			Topic:      topic,
			MessageKey: requestID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	n.logger.Debug("terminal transition queued for notification",
		zap.String("request_id", requestID),
		zap.String("status", string(status)))
	return nil
}
