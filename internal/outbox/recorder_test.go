package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutboxRepo struct {
	events map[string]model.OutboxEvent
	err    error
}

func (f *fakeOutboxRepo) Insert(_ context.Context, eventID string, ev model.OutboxEvent) error {
	if f.err != nil {
		return f.err
	}
	if f.events == nil {
		f.events = map[string]model.OutboxEvent{}
	}
	if _, ok := f.events[eventID]; !ok {
		f.events[eventID] = ev
	}
	return nil
}

func sentRecord() model.DispatchRecord {
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.DispatchRecord{
		ID:             "01HZX",
		IdempotencyKey: "sms:abc",
		Channel:        model.ChannelSMS,
		Recipients:     model.Recipients{"+15551234567"},
		Status:         model.StatusSent,
		Attempts:       1,
		SentAt:         &sentAt,
		UpdatedAt:      sentAt,
	}
}

func TestRecorder_Record(t *testing.T) {
	repo := &fakeOutboxRepo{}
	r := NewRecorder(repo)

	require.NoError(t, r.Record(context.Background(), sentRecord()))
	require.NoError(t, r.Record(context.Background(), sentRecord()))
	require.Len(t, repo.events, 1)

	ev := repo.events["01HZX:sent"]
	assert.Equal(t, "dispatch", ev.Aggregate)
	assert.Equal(t, "01HZX", ev.AggregateID)
	assert.Equal(t, "relay.dispatch.sms", ev.Topic)

	var payload model.OutboxPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, PayloadVersion, payload.Version)
	assert.Equal(t, "01HZX:sent", payload.EventID)

	var rec model.DispatchRecord
	require.NoError(t, json.Unmarshal(payload.Data, &rec))
	assert.Equal(t, model.StatusSent, rec.Status)
	assert.Equal(t, model.Recipients{"+15551234567"}, rec.Recipients)
}

func TestRecorder_RejectsPending(t *testing.T) {
	rec := sentRecord()
	rec.Status = model.StatusPending

	err := NewRecorder(&fakeOutboxRepo{}).Record(context.Background(), rec)
	assert.ErrorIs(t, err, ErrNotTerminal)
}

func TestRecorder_StoreUnavailable(t *testing.T) {
	repo := &fakeOutboxRepo{err: errors.New("mysql down")}

	err := NewRecorder(repo).Record(context.Background(), sentRecord())
	assert.ErrorIs(t, err, repo.err)
}
