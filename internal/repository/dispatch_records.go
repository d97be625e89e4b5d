package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/notification-relay/internal/ledger"
	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmoiron/sqlx"
)

const dispatchColumns = `id, idempotency_key, channel, recipients, status, attempts,
	last_error, sent_at, provider_response, created_at, updated_at`

// DispatchRecordsRepository is the MySQL ledger store. idempotency_key is UNIQUE,
// which is what makes InsertIfAbsent atomic.
type DispatchRecordsRepository struct {
	db *sqlx.DB
}

func NewDispatchRecordsRepository(db *sqlx.DB) *DispatchRecordsRepository {
	return &DispatchRecordsRepository{db: db}
}

var _ ledger.Store = (*DispatchRecordsRepository)(nil)

func (r *DispatchRecordsRepository) InsertIfAbsent(ctx context.Context, rec model.DispatchRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_records
		    (id, idempotency_key, channel, recipients, status, attempts, created_at, updated_at)
		VALUES
		    (?,  ?,               ?,       ?,          ?,      0,        ?,          ?)
		ON DUPLICATE KEY UPDATE id = id
	`, rec.ID, rec.IdempotencyKey, rec.Channel.String(), rec.Recipients, model.StatusPending.String(), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// 1 = inserted, 0 = duplicate key left untouched
	return n == 1, nil
}

func (r *DispatchRecordsRepository) GetByKey(ctx context.Context, key string) (*model.DispatchRecord, error) {
	return r.getOne(ctx, `SELECT `+dispatchColumns+` FROM dispatch_records WHERE idempotency_key = ? LIMIT 1`, key)
}

func (r *DispatchRecordsRepository) GetByID(ctx context.Context, id string) (*model.DispatchRecord, error) {
	return r.getOne(ctx, `SELECT `+dispatchColumns+` FROM dispatch_records WHERE id = ? LIMIT 1`, id)
}

func (r *DispatchRecordsRepository) getOne(ctx context.Context, q string, arg any) (*model.DispatchRecord, error) {
	var rec model.DispatchRecord
	err := r.db.GetContext(ctx, &rec, q, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *DispatchRecordsRepository) ReclaimStale(ctx context.Context, id string, cutoff, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_records
		   SET updated_at = ?
		 WHERE id = ? AND status = 'pending' AND updated_at < ?
	`, now, id, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *DispatchRecordsRepository) RecordAttempt(ctx context.Context, id string, attempts int, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_records
		   SET attempts = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'
	`, attempts, now, id)
	return err
}

func (r *DispatchRecordsRepository) CompletePending(ctx context.Context, rec model.DispatchRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_records
		   SET status = ?, attempts = ?, last_error = ?, sent_at = ?, provider_response = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'
	`, rec.Status.String(), rec.Attempts, rec.LastError, rec.SentAt, rec.ProviderResponse, rec.UpdatedAt, rec.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
