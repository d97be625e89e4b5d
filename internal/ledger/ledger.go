// Package ledger gates dispatches by idempotency key.
//
// Every reservation is a single insert-if-absent against the store, so two
// concurrent requests for the same key cannot both come back Fresh.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/notification-relay/internal/model"
)

// Store is the durable side of the ledger. Implementations must make
// InsertIfAbsent, ReclaimStale and CompletePending single conditional writes.
type Store interface {
	// InsertIfAbsent inserts rec unless a record with the same idempotency key exists.
	InsertIfAbsent(ctx context.Context, rec model.DispatchRecord) (inserted bool, err error)
	GetByKey(ctx context.Context, idempotencyKey string) (*model.DispatchRecord, error)
	GetByID(ctx context.Context, id string) (*model.DispatchRecord, error)
	// ReclaimStale bumps updated_at of a pending record last touched before cutoff.
	ReclaimStale(ctx context.Context, id string, cutoff, now time.Time) (reclaimed bool, err error)
	// RecordAttempt stores the attempt count of a pending record and refreshes updated_at.
	RecordAttempt(ctx context.Context, id string, attempts int, now time.Time) error
	// CompletePending writes the terminal fields if the record is still pending.
	CompletePending(ctx context.Context, rec model.DispatchRecord) (updated bool, err error)
}

type State int

const (
	Fresh State = iota
	AlreadyInFlight
	AlreadyCompleted
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case AlreadyInFlight:
		return "in_flight"
	case AlreadyCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Reservation is the result of Reserve. Record is the reserved record when
// Fresh and the stored one otherwise.
type Reservation struct {
	State  State
	Record model.DispatchRecord
}

var (
	ErrNotTerminal = errors.New("ledger: completion status must be sent or failed")
	ErrNotFound    = errors.New("ledger: record not found")
)

type Ledger struct {
	store      Store
	pendingTTL time.Duration
	now        func() time.Time
}

// New returns a ledger. A pending record untouched for pendingTTL is treated
// as abandoned and may be reclaimed; zero disables reclaiming.
func New(store Store, pendingTTL time.Duration) *Ledger {
	return &Ledger{store: store, pendingTTL: pendingTTL, now: func() time.Time { return time.Now().UTC() }}
}

// Reserve claims rec.IdempotencyKey for a new dispatch.
func (l *Ledger) Reserve(ctx context.Context, rec model.DispatchRecord) (Reservation, error) {
	now := l.now()
	rec.Status = model.StatusPending
	rec.CreatedAt, rec.UpdatedAt = now, now

	inserted, err := l.store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve %s: %w", rec.IdempotencyKey, err)
	}
	if inserted {
		return Reservation{State: Fresh, Record: rec}, nil
	}

	existing, err := l.store.GetByKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return Reservation{}, fmt.Errorf("load %s: %w", rec.IdempotencyKey, err)
	}
	if existing == nil {
		// records are never deleted, so a lost insert race must be visible
		return Reservation{}, fmt.Errorf("load %s: %w", rec.IdempotencyKey, ErrNotFound)
	}

	if existing.Status.Terminal() {
		return Reservation{State: AlreadyCompleted, Record: *existing}, nil
	}

	if l.pendingTTL > 0 {
		cutoff := now.Add(-l.pendingTTL)
		if existing.UpdatedAt.Before(cutoff) {
			ok, err := l.store.ReclaimStale(ctx, existing.ID, cutoff, now)
			if err != nil {
				return Reservation{}, fmt.Errorf("reclaim %s: %w", existing.ID, err)
			}
			if ok {
				existing.UpdatedAt = now
				return Reservation{State: Fresh, Record: *existing}, nil
			}
		}
	}

	return Reservation{State: AlreadyInFlight, Record: *existing}, nil
}

// Attempt records that attempt number n of a pending dispatch is starting.
func (l *Ledger) Attempt(ctx context.Context, id string, n int) error {
	if err := l.store.RecordAttempt(ctx, id, n, l.now()); err != nil {
		return fmt.Errorf("record attempt %s: %w", id, err)
	}
	return nil
}

// Complete moves a pending record to Sent or Failed. Completing an already
// terminal record is a no-op; the stored outcome is returned in either case.
func (l *Ledger) Complete(ctx context.Context, rec model.DispatchRecord) (model.DispatchRecord, error) {
	if !rec.Status.Terminal() {
		return rec, ErrNotTerminal
	}
	rec.UpdatedAt = l.now()

	updated, err := l.store.CompletePending(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("complete %s: %w", rec.ID, err)
	}
	if updated {
		return rec, nil
	}

	stored, err := l.store.GetByID(ctx, rec.ID)
	if err != nil {
		return rec, fmt.Errorf("load %s: %w", rec.ID, err)
	}
	if stored == nil {
		return rec, fmt.Errorf("load %s: %w", rec.ID, ErrNotFound)
	}
	return *stored, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (model.DispatchRecord, error) {
	rec, err := l.store.GetByID(ctx, id)
	if err != nil {
		return model.DispatchRecord{}, err
	}
	if rec == nil {
		return model.DispatchRecord{}, ErrNotFound
	}
	return *rec, nil
}
