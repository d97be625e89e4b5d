package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// DispatchFilter narrows a report query. Zero values mean "any".
type DispatchFilter struct {
	Channel   model.Channel
	Status    model.DispatchStatus
	Recipient string
	Limit     int
	Offset    int
}

// DispatchRow is one row of the ClickHouse read model.
type DispatchRow struct {
	ID             string    `db:"id"              json:"id"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	Channel        string    `db:"channel"         json:"channel"`
	Recipients     []string  `db:"recipients"      json:"recipients"`
	Status         string    `db:"status"          json:"status"`
	Attempts       uint32    `db:"attempts"        json:"attempts"`
	LastError      string    `db:"last_error"      json:"last_error,omitempty"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}

// CHDispatchesRepository lists dispatches from ClickHouse (final view fed by CDC).
type CHDispatchesRepository interface {
	List(ctx context.Context, f DispatchFilter) ([]DispatchRow, error)
}

type chDispatchesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDispatchesRepository(ch *sqlx.DB) CHDispatchesRepository {
	return &chDispatchesRepository{ch: ch}
}

func (r *chDispatchesRepository) List(ctx context.Context, f DispatchFilter) ([]DispatchRow, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT id, idempotency_key, channel, recipients, status, attempts, last_error, created_at, updated_at
		FROM relay.dispatch_records_latest
		WHERE 1 = 1
	`
	var args []any

	if f.Channel != "" {
		q += " AND channel = ?"
		args = append(args, f.Channel.String())
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if f.Recipient != "" {
		q += " AND has(recipients, ?)"
		args = append(args, f.Recipient)
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []DispatchRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
