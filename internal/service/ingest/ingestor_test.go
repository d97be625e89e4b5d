package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	events   []model.InboundEvent
	upstream map[string]bool
	err      error
}

func (m *memStore) Insert(_ context.Context, ev model.InboundEvent) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if ev.UpstreamID != nil {
		if m.upstream == nil {
			m.upstream = map[string]bool{}
		}
		if m.upstream[*ev.UpstreamID] {
			return false, nil
		}
		m.upstream[*ev.UpstreamID] = true
	}
	m.events = append(m.events, ev)
	return true, nil
}

func TestIngest_InvalidJSON(t *testing.T) {
	store := &memStore{}

	ev, dup, err := New(store, nil).Ingest(context.Background(), []byte("not valid json"), "")
	require.NoError(t, err)
	assert.False(t, dup)

	require.Len(t, store.events, 1)
	got := store.events[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "not valid json", got.RawMessage)
	require.NotNil(t, got.ParseError)
	assert.Empty(t, got.Data)
	assert.Equal(t, time.UTC, got.IngestedAt.Location())
}

func TestIngest_QuotedStringIsNotAnEvent(t *testing.T) {
	store := &memStore{}

	_, _, err := New(store, nil).Ingest(context.Background(), []byte(`"not valid json"`), "")
	require.NoError(t, err)

	require.Len(t, store.events, 1)
	assert.Equal(t, `"not valid json"`, store.events[0].RawMessage)
	require.NotNil(t, store.events[0].ParseError)
	assert.Empty(t, store.events[0].Data)
}

func TestIngest_SMSReceivedEvent(t *testing.T) {
	raw := `{
		"id": "evt-1",
		"eventType": "Microsoft.Communication.SMSReceived",
		"data": {
			"MessageId": "Incoming_2026",
			"From": "+15551234567",
			"To": "+15557654321",
			"Message": "hello",
			"ReceivedTimestamp": "2026-03-01T10:00:00.123+02:00"
		}
	}`
	store := &memStore{}

	ev, _, err := New(store, nil).Ingest(context.Background(), []byte(raw), "")
	require.NoError(t, err)

	assert.Nil(t, ev.ParseError)
	assert.Equal(t, raw, ev.RawMessage)
	assert.JSONEq(t, `{"MessageId":"Incoming_2026","From":"+15551234567","To":"+15557654321","Message":"hello","ReceivedTimestamp":"2026-03-01T10:00:00.123+02:00"}`, string(ev.Data))

	require.NotNil(t, ev.From)
	assert.Equal(t, "+15551234567", *ev.From)
	require.NotNil(t, ev.Text)
	assert.Equal(t, "hello", *ev.Text)
	require.NotNil(t, ev.ProviderMessageID)
	assert.Equal(t, "Incoming_2026", *ev.ProviderMessageID)
	require.NotNil(t, ev.ReceivedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 123000000, time.UTC), *ev.ReceivedAt)
}

func TestIngest_MissingDataIsValid(t *testing.T) {
	store := &memStore{}

	ev, _, err := New(store, nil).Ingest(context.Background(), []byte(`{"id":"x","data":null}`), "")
	require.NoError(t, err)

	assert.Nil(t, ev.ParseError)
	assert.Nil(t, ev.Data)
	assert.Nil(t, ev.From)
	require.Len(t, store.events, 1)
}

func TestIngest_UnknownShapeKeepsRawData(t *testing.T) {
	ev, _, err := New(&memStore{}, nil).Ingest(context.Background(), []byte(`{"data":{"foo":1}}`), "")
	require.NoError(t, err)

	assert.JSONEq(t, `{"foo":1}`, string(ev.Data))
	assert.Nil(t, ev.From)
	assert.Nil(t, ev.ProviderMessageID)
}

func TestIngest_EveryDeliveryStoredWithoutUpstreamID(t *testing.T) {
	store := &memStore{}
	in := New(store, nil)

	for i := 0; i < 2; i++ {
		_, dup, err := in.Ingest(context.Background(), []byte(`{"data":{}}`), "")
		require.NoError(t, err)
		assert.False(t, dup)
	}
	require.Len(t, store.events, 2)
	assert.NotEqual(t, store.events[0].ID, store.events[1].ID)
}

func TestIngest_DedupesOnUpstreamID(t *testing.T) {
	store := &memStore{}
	in := New(store, nil)

	_, dup, err := in.Ingest(context.Background(), []byte(`{"data":{}}`), "up-1")
	require.NoError(t, err)
	assert.False(t, dup)

	_, dup, err = in.Ingest(context.Background(), []byte(`{"data":{}}`), "up-1")
	require.NoError(t, err)
	assert.True(t, dup)

	require.Len(t, store.events, 1)
	require.NotNil(t, store.events[0].UpstreamID)
	assert.Equal(t, "up-1", *store.events[0].UpstreamID)
}

func TestIngest_StorageFailure(t *testing.T) {
	store := &memStore{err: errors.New("mysql down")}

	_, _, err := New(store, nil).Ingest(context.Background(), []byte(`{}`), "")
	assert.ErrorIs(t, err, store.err)
}

// columnStore refuses rows the way MySQL strict mode does for inbound_events.
type columnStore struct {
	memStore
	rejectData bool
	maxRaw     int
	inserts    int
}

func (c *columnStore) Insert(ctx context.Context, ev model.InboundEvent) (bool, error) {
	c.inserts++
	if err := c.check(ev); err != nil {
		return false, fmt.Errorf("%w: %v", repository.ErrDataRejected, err)
	}
	return c.memStore.Insert(ctx, ev)
}

func (c *columnStore) check(ev model.InboundEvent) error {
	tooLong := func(col string, v *string, n int) error {
		if v != nil && len(*v) > n {
			return fmt.Errorf("Error 1406: Data too long for column '%s'", col)
		}
		return nil
	}
	for _, err := range []error{
		tooLong("upstream_id", ev.UpstreamID, 191),
		tooLong("sms_from", ev.From, 32),
		tooLong("sms_to", ev.To, 32),
		tooLong("provider_message_id", ev.ProviderMessageID, 191),
		tooLong("parse_error", ev.ParseError, 512),
	} {
		if err != nil {
			return err
		}
	}
	if ev.Data != nil && (c.rejectData || !utf8.Valid(ev.Data) || !json.Valid(ev.Data)) {
		return errors.New("Error 3140: Invalid JSON text")
	}
	if c.maxRaw > 0 && len(ev.RawMessage) > c.maxRaw {
		return errors.New("packet for query is too large")
	}
	return nil
}

func TestIngest_OverLongFieldsAreNotLifted(t *testing.T) {
	from := "+" + strings.Repeat("1", 40)
	raw := `{"data":{"From":"` + from + `","To":"+15557654321","Message":"hi","MessageId":"` + strings.Repeat("m", 200) + `"}}`
	store := &columnStore{}

	ev, _, err := New(store, nil).Ingest(context.Background(), []byte(raw), "")
	require.NoError(t, err)

	require.Len(t, store.events, 1)
	assert.Equal(t, 1, store.inserts)
	assert.Nil(t, ev.ParseError)
	assert.Nil(t, ev.From)
	assert.Nil(t, ev.ProviderMessageID)
	require.NotNil(t, ev.To)
	assert.Equal(t, "+15557654321", *ev.To)
	assert.Contains(t, string(ev.Data), from)
}

func TestIngest_NonUTF8PayloadKeepsRawBytes(t *testing.T) {
	raw := []byte("{\"data\":{\"From\":\"\xff\xfe\",\"Message\":\"hi\"}}")
	store := &columnStore{}

	ev, dup, err := New(store, nil).Ingest(context.Background(), raw, "")
	require.NoError(t, err)
	assert.False(t, dup)

	require.Len(t, store.events, 1)
	assert.Equal(t, string(raw), store.events[0].RawMessage)
	require.NotNil(t, ev.ParseError)
	assert.Equal(t, "payload is not valid UTF-8", *ev.ParseError)
	assert.Nil(t, ev.Data)
	assert.Nil(t, ev.From)
}

func TestIngest_LongUpstreamIDStillDedupes(t *testing.T) {
	store := &columnStore{}
	in := New(store, nil)
	up := strings.Repeat("u", 300)

	_, dup, err := in.Ingest(context.Background(), []byte(`{}`), up)
	require.NoError(t, err)
	assert.False(t, dup)

	_, dup, err = in.Ingest(context.Background(), []byte(`{}`), up)
	require.NoError(t, err)
	assert.True(t, dup)

	require.Len(t, store.events, 1)
	require.NotNil(t, store.events[0].UpstreamID)
	assert.True(t, strings.HasPrefix(*store.events[0].UpstreamID, "sha256:"))
	assert.LessOrEqual(t, len(*store.events[0].UpstreamID), 191)
}

func TestIngest_RefusedRowStoredAsRawOnly(t *testing.T) {
	raw := `{"data":{"From":"+15551234567","Message":"hi"}}`
	store := &columnStore{rejectData: true}

	ev, _, err := New(store, nil).Ingest(context.Background(), []byte(raw), "up-1")
	require.NoError(t, err)

	assert.Equal(t, 2, store.inserts)
	require.Len(t, store.events, 1)
	got := store.events[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, raw, got.RawMessage)
	assert.Nil(t, got.Data)
	assert.Nil(t, got.From)
	require.NotNil(t, got.UpstreamID)
	assert.Equal(t, "up-1", *got.UpstreamID)
	require.NotNil(t, got.ParseError)
	assert.True(t, strings.HasPrefix(*got.ParseError, "stored without structured fields: "))
	assert.LessOrEqual(t, len(*got.ParseError), 512)
}

func TestIngest_RefusedRawStoredAsPlaceholder(t *testing.T) {
	raw := `{"data":{"Message":"` + strings.Repeat("x", 64) + `"}}`
	store := &columnStore{rejectData: true, maxRaw: 16}

	_, _, err := New(store, nil).Ingest(context.Background(), []byte(raw), "")
	require.NoError(t, err)

	assert.Equal(t, 3, store.inserts)
	require.Len(t, store.events, 1)
	assert.Empty(t, store.events[0].RawMessage)
	require.NotNil(t, store.events[0].ParseError)
	assert.Contains(t, *store.events[0].ParseError, fmt.Sprintf("raw payload of %d bytes not stored", len(raw)))
}

func TestIngest_RejectedEverywhere(t *testing.T) {
	store := &memStore{err: fmt.Errorf("%w: Error 1366: Incorrect string value", repository.ErrDataRejected)}

	_, _, err := New(store, nil).Ingest(context.Background(), []byte(`{}`), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 5))
	assert.Equal(t, "ab", clip("abc", 2))
	// "é" is two bytes and must not be split
	assert.Equal(t, "a", clip("aé", 2))
	assert.Equal(t, "a?", clip("a\xff", 5))
}
