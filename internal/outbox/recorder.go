// Package outbox appends dispatch outcomes to the transactional outbox for
// audit and downstream reconciliation. The ledger stays the source of truth.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/repository"
)

const (
	Aggregate      = "dispatch"
	PayloadVersion = 1
	topicPrefix    = "relay.dispatch."
)

var ErrNotTerminal = errors.New("outbox: only terminal records are recorded")

type Recorder struct {
	repo repository.OutboxRepository
	now  func() time.Time
}

func NewRecorder(repo repository.OutboxRepository) *Recorder {
	return &Recorder{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Topic returns the outbox topic for a channel.
func Topic(ch model.Channel) string { return topicPrefix + ch.String() }

// Record writes rec's terminal outcome. Recording the same outcome twice
// produces one outbox row.
func (r *Recorder) Record(ctx context.Context, rec model.DispatchRecord) error {
	if !rec.Status.Terminal() {
		return ErrNotTerminal
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	occurred := rec.UpdatedAt
	if occurred.IsZero() {
		occurred = r.now()
	}
	eventID := rec.ID + ":" + rec.Status.String()

	payload, err := json.Marshal(model.OutboxPayload{
		Version:    PayloadVersion,
		EventID:    eventID,
		OccurredAt: occurred,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	if err := r.repo.Insert(ctx, eventID, model.OutboxEvent{
		Aggregate:   Aggregate,
		AggregateID: rec.ID,
		Topic:       Topic(rec.Channel),
		Payload:     payload,
	}); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
