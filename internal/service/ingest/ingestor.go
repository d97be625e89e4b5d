// Package ingest turns inbound queue messages into persisted InboundEvents.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmehdipour/notification-relay/internal/metrics"
	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/repository"
	"github.com/jmehdipour/notification-relay/internal/util"
	"go.uber.org/zap"
)

// ErrRejected is returned when storage refused every form of the event.
// Redelivering the message cannot help.
var ErrRejected = errors.New("inbound event rejected by storage")

var (
	errNotUTF8     = errors.New("payload is not valid UTF-8")
	errInvalidJSON = errors.New("payload is not valid JSON")
	errNotObject   = errors.New("payload is not a JSON object")
)

// Column limits of inbound_events, in bytes.
const (
	maxUpstreamIDLen = 191
	maxPhoneLen      = 32
	maxProviderIDLen = 191
	maxTextLen       = 65535
	maxParseErrorLen = 512
	minStorableYear  = 1000
	maxStorableYear  = 9999
)

const rejectedFieldsNotice = "stored without structured fields: "

// Store persists events. Insert returns false when the upstream id was
// already stored, and an error wrapping repository.ErrDataRejected when the
// row's content was refused. repository.InboundEventsRepository satisfies it.
type Store interface {
	Insert(ctx context.Context, ev model.InboundEvent) (bool, error)
}

type Ingestor struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

func New(store Store, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: util.NewUUID,
	}
}

// Ingest persists one queue message. Malformed payloads are stored with
// ParseError set. When storage refuses the row's content the event is stored
// again without its structured fields, then without the raw payload.
//
// A returned error wrapping ErrRejected means no form of the event could be
// stored. Any other error is a storage failure and the message must be
// redelivered.
//
// upstreamID, when non-empty, makes redeliveries of the same message a
// no-op: duplicate is true and nothing new is stored.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, upstreamID string) (ev model.InboundEvent, duplicate bool, err error) {
	ev = model.InboundEvent{
		ID:         i.newID(),
		RawMessage: string(raw),
		IngestedAt: i.now(),
	}
	if upstreamID != "" {
		key := upstreamKey(upstreamID)
		ev.UpstreamID = &key
	}

	data, perr := extractData(raw)
	if perr != nil {
		setParseError(&ev, perr.Error())
	} else {
		ev.Data = data
		liftSMS(&ev, data)
	}

	log := i.log.With(zap.String("event_id", ev.ID), zap.String("upstream_id", upstreamID))

	inserted, err := i.store.Insert(ctx, ev)
	if errors.Is(err, repository.ErrDataRejected) {
		log.Warn("inbound event refused by storage, storing raw payload only", zap.Error(err))
		ev = rawOnly(ev, err)
		inserted, err = i.store.Insert(ctx, ev)
	}
	if errors.Is(err, repository.ErrDataRejected) {
		log.Warn("raw payload refused by storage, storing placeholder", zap.Int("raw_bytes", len(raw)), zap.Error(err))
		ev = placeholder(ev, len(raw), err)
		inserted, err = i.store.Insert(ctx, ev)
	}
	if errors.Is(err, repository.ErrDataRejected) {
		metrics.InboundEventsTotal.WithLabelValues("rejected").Inc()
		log.Error("inbound event rejected by storage", zap.Error(err))
		return ev, false, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err != nil {
		metrics.InboundEventsTotal.WithLabelValues("store_failed").Inc()
		log.Error("persist inbound event", zap.Error(err))
		return ev, false, fmt.Errorf("persist inbound event: %w", err)
	}
	if !inserted {
		metrics.InboundEventsTotal.WithLabelValues("duplicate").Inc()
		log.Info("duplicate inbound event")
		return ev, true, nil
	}

	if ev.ParseError != nil {
		metrics.InboundEventsTotal.WithLabelValues("parse_error").Inc()
		log.Warn("inbound event stored with parse error", zap.String("parse_error", *ev.ParseError))
	} else {
		metrics.InboundEventsTotal.WithLabelValues("stored").Inc()
		log.Info("inbound event stored")
	}
	return ev, false, nil
}

// extractData returns the "data" member of a JSON object payload, or nil
// when it is absent or null.
func extractData(raw []byte) (model.RawJSON, error) {
	if !utf8.Valid(raw) {
		return nil, errNotUTF8
	}
	if !json.Valid(raw) {
		return nil, errInvalidJSON
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, errNotObject
	}

	d, ok := obj["data"]
	if !ok || bytes.Equal(bytes.TrimSpace(d), []byte("null")) {
		return nil, nil
	}
	return model.RawJSON(d), nil
}

// liftSMS copies the SMS-received fields into typed columns. Other data
// shapes are left as raw JSON only, and so are values too long for their
// column.
func liftSMS(ev *model.InboundEvent, data model.RawJSON) {
	if len(data) == 0 {
		return
	}

	var sms model.InboundSMS
	if err := json.Unmarshal(data, &sms); err != nil || sms.Empty() {
		return
	}

	ev.From = fitting(sms.From, maxPhoneLen)
	ev.To = fitting(sms.To, maxPhoneLen)
	ev.Text = fitting(sms.Message, maxTextLen)
	ev.ProviderMessageID = fitting(sms.MessageID, maxProviderIDLen)

	if sms.ReceivedTimestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, sms.ReceivedTimestamp)
		if err == nil && t.Year() >= minStorableYear && t.Year() <= maxStorableYear {
			t = t.UTC()
			ev.ReceivedAt = &t
		}
	}
}

// rawOnly keeps what identifies the event and drops everything derived from
// the payload.
func rawOnly(ev model.InboundEvent, cause error) model.InboundEvent {
	out := model.InboundEvent{
		ID:         ev.ID,
		UpstreamID: ev.UpstreamID,
		RawMessage: ev.RawMessage,
		IngestedAt: ev.IngestedAt,
	}
	setParseError(&out, rejectedFieldsNotice+cause.Error())
	return out
}

func placeholder(ev model.InboundEvent, rawBytes int, cause error) model.InboundEvent {
	out := model.InboundEvent{
		ID:         ev.ID,
		UpstreamID: ev.UpstreamID,
		IngestedAt: ev.IngestedAt,
	}
	setParseError(&out, fmt.Sprintf("raw payload of %d bytes not stored: %v", rawBytes, cause))
	return out
}

// upstreamKey returns id when it fits the upstream_id column, otherwise a
// digest of it that still dedupes redeliveries.
func upstreamKey(id string) string {
	if len(id) <= maxUpstreamIDLen && utf8.ValidString(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func setParseError(ev *model.InboundEvent, msg string) {
	msg = clip(msg, maxParseErrorLen)
	ev.ParseError = &msg
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func fitting(s string, max int) *string {
	if s == "" || len(s) > max {
		return nil
	}
	return &s
}
