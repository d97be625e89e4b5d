package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/notification-relay/internal/kafka"
	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/repository"
	"github.com/jmehdipour/notification-relay/internal/service/ingest"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErrs int
	committed []int64
	drained   chan struct{}
}

func newFakeFetcher(msgs ...kafka.Message) *fakeFetcher {
	return &fakeFetcher{msgs: msgs, drained: make(chan struct{})}
}

func (f *fakeFetcher) Fetch(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.fetchErrs > 0 {
		f.fetchErrs--
		f.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()

	select {
	case <-f.drained:
	default:
		close(f.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeFetcher) Commit(_ context.Context, m kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, m.Offset)
	return nil
}

func (f *fakeFetcher) Committed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type fakeIngester struct {
	mu       sync.Mutex
	failures int
	reject   string // raw payload answered with ingest.ErrRejected
	calls    int
	raws     []string
	ups      []string
}

func (f *fakeIngester) Ingest(_ context.Context, raw []byte, upstreamID string) (model.InboundEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reject != "" && string(raw) == f.reject {
		return model.InboundEvent{}, false, fmt.Errorf("%w: Error 1406", ingest.ErrRejected)
	}
	if f.failures > 0 {
		f.failures--
		return model.InboundEvent{}, false, errors.New("mysql down")
	}
	f.raws = append(f.raws, string(raw))
	f.ups = append(f.ups, upstreamID)
	return model.InboundEvent{ID: "ev"}, false, nil
}

func fastWorker(f Fetcher, ing Ingester, header string) *InboundKafka {
	w := NewInboundKafka(f, ing, header, nil)
	w.FetchBackoff = time.Millisecond
	w.StoreBackoff = time.Millisecond
	w.MaxBackoff = 2 * time.Millisecond
	return w
}

func runUntilDrained(t *testing.T, w *InboundKafka, f *fakeFetcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-f.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain messages")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestInbound_CommitsAfterPersist(t *testing.T) {
	f := newFakeFetcher(
		kafka.Message{Offset: 1, Value: []byte(`{"data":{}}`)},
		kafka.Message{Offset: 2, Value: []byte("not valid json")},
	)
	ing := &fakeIngester{}

	runUntilDrained(t, fastWorker(f, ing, ""), f)

	assert.Equal(t, []int64{1, 2}, f.Committed())
	assert.Equal(t, []string{`{"data":{}}`, "not valid json"}, ing.raws)
}

func TestInbound_RetriesStorageBeforeCommit(t *testing.T) {
	f := newFakeFetcher(kafka.Message{Offset: 7, Value: []byte(`{}`)})
	ing := &fakeIngester{failures: 3}

	runUntilDrained(t, fastWorker(f, ing, ""), f)

	assert.Equal(t, 4, ing.calls)
	assert.Equal(t, []int64{7}, f.Committed())
}

func TestInbound_NoCommitWhileStorageDown(t *testing.T) {
	f := newFakeFetcher(kafka.Message{Offset: 3, Value: []byte(`{}`)})
	ing := &fakeIngester{failures: 1 << 30}
	w := fastWorker(f, ing, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Empty(t, f.Committed())
	assert.Greater(t, ing.calls, 1)
}

func TestInbound_PassesDedupeHeader(t *testing.T) {
	f := newFakeFetcher(kafka.Message{
		Offset:  1,
		Value:   []byte(`{}`),
		Headers: []kafkago.Header{{Key: "message-id", Value: []byte("up-9")}},
	})
	ing := &fakeIngester{}

	runUntilDrained(t, fastWorker(f, ing, "message-id"), f)

	assert.Equal(t, []string{"up-9"}, ing.ups)
}

func TestInbound_FetchErrorsAreRetried(t *testing.T) {
	f := newFakeFetcher(kafka.Message{Offset: 1, Value: []byte(`{}`)})
	f.fetchErrs = 2
	ing := &fakeIngester{}

	runUntilDrained(t, fastWorker(f, ing, ""), f)

	assert.Equal(t, []int64{1}, f.Committed())
}

func TestInbound_RejectedMessageIsSkipped(t *testing.T) {
	f := newFakeFetcher(
		kafka.Message{Offset: 1, Value: []byte("poison")},
		kafka.Message{Offset: 2, Value: []byte(`{}`)},
	)
	ing := &fakeIngester{reject: "poison"}

	runUntilDrained(t, fastWorker(f, ing, ""), f)

	assert.Equal(t, 2, ing.calls)
	assert.Equal(t, []int64{1, 2}, f.Committed())
	assert.Equal(t, []string{`{}`}, ing.raws)
}

// strictStore refuses what MySQL strict mode refuses for inbound_events.
type strictStore struct {
	mu     sync.Mutex
	events []model.InboundEvent
}

func (s *strictStore) Insert(_ context.Context, ev model.InboundEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.From != nil && len(*ev.From) > 32 {
		return false, fmt.Errorf("%w: Error 1406: Data too long for column 'sms_from'", repository.ErrDataRejected)
	}
	if ev.Data != nil && (!utf8.Valid(ev.Data) || !json.Valid(ev.Data)) {
		return false, fmt.Errorf("%w: Error 3140: Invalid JSON text", repository.ErrDataRejected)
	}
	s.events = append(s.events, ev)
	return true, nil
}

func TestInbound_MalformedFieldsDoNotStallPartition(t *testing.T) {
	longFrom := []byte(`{"data":{"From":"` + strings.Repeat("9", 64) + `","Message":"hi"}}`)
	notUTF8 := []byte("{\"data\":{\"Message\":\"\xc3\x28\"}}")
	f := newFakeFetcher(
		kafka.Message{Offset: 1, Value: longFrom},
		kafka.Message{Offset: 2, Value: notUTF8},
		kafka.Message{Offset: 3, Value: []byte(`{"data":{"From":"+15551234567"}}`)},
	)
	store := &strictStore{}

	runUntilDrained(t, fastWorker(f, ingest.New(store, nil), ""), f)

	assert.Equal(t, []int64{1, 2, 3}, f.Committed())
	require.Len(t, store.events, 3)
	assert.Nil(t, store.events[0].From)
	assert.Equal(t, string(notUTF8), store.events[1].RawMessage)
	require.NotNil(t, store.events[1].ParseError)
	require.NotNil(t, store.events[2].From)
	assert.Equal(t, "+15551234567", *store.events[2].From)
}
