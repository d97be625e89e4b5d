package repository

import (
	"context"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event. A second insert with the same
	// event_id is ignored.
	Insert(ctx context.Context, eventID string, ev model.OutboxEvent) error
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

// Insert adds an event row to outbox. Debezium Outbox SMT picks it up and
// publishes to Kafka based on the `topic` column.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, eventID string, ev model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox (event_id, aggregate, aggregate_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE id = id
	`
	_, err := r.db.ExecContext(ctx, q, eventID, ev.Aggregate, ev.AggregateID, ev.Topic, ev.Payload)

	return err
}
