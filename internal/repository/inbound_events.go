package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

// InboundEventsRepository persists ingested queue messages.
type InboundEventsRepository interface {
	// Insert stores ev. It returns false when ev.UpstreamID was already stored.
	// Content MySQL refuses is reported as ErrDataRejected.
	Insert(ctx context.Context, ev model.InboundEvent) (bool, error)
	GetByID(ctx context.Context, id string) (*model.InboundEvent, error)
}

type InboundEventsRepositoryImpl struct {
	db *sqlx.DB
}

func NewInboundEventsRepository(db *sqlx.DB) *InboundEventsRepositoryImpl {
	return &InboundEventsRepositoryImpl{db: db}
}

var _ InboundEventsRepository = (*InboundEventsRepositoryImpl)(nil)

func (r *InboundEventsRepositoryImpl) Insert(ctx context.Context, ev model.InboundEvent) (bool, error) {
	// upstream_id is UNIQUE and nullable: NULLs never collide
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO inbound_events
		    (id, upstream_id, raw_message, data, sms_from, sms_to, sms_text,
		     provider_message_id, received_at, ingested_at, parse_error)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, ev.ID, ev.UpstreamID, []byte(ev.RawMessage), ev.Data, ev.From, ev.To, ev.Text,
		ev.ProviderMessageID, ev.ReceivedAt, ev.IngestedAt, ev.ParseError)
	if err != nil {
		return false, classifyWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *InboundEventsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.InboundEvent, error) {
	var ev model.InboundEvent
	err := r.db.GetContext(ctx, &ev, `
		SELECT id, upstream_id, raw_message, data, sms_from, sms_to, sms_text,
		       provider_message_id, received_at, ingested_at, parse_error
		  FROM inbound_events
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
