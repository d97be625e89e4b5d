package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/notification-relay/internal/kafka"
	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/service/ingest"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Fetcher is the queue side of the worker. *kafka.Consumer satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type Ingester interface {
	Ingest(ctx context.Context, raw []byte, upstreamID string) (model.InboundEvent, bool, error)
}

// InboundKafka:
// - fetches inbound SMS events from Kafka,
// - persists each one through the ingestor,
// - commits the offset only after the event is stored.
//
// Messages are handled in fetch order so a committed offset never passes an
// unstored message. While storage is down the worker retries the same message.
// A message storage rejects outright (ingest.ErrRejected) is logged and
// committed so it cannot hold up the partition.
type InboundKafka struct {
	Consumer     Fetcher
	Ingest       Ingester
	DedupeHeader string // kafka header carrying an upstream message id; empty disables dedupe
	Log          *zap.Logger

	FetchBackoff time.Duration
	StoreBackoff time.Duration // first retry delay after a storage failure
	MaxBackoff   time.Duration
}

func NewInboundKafka(consumer Fetcher, ing Ingester, dedupeHeader string, log *zap.Logger) *InboundKafka {
	if log == nil {
		log = zap.NewNop()
	}
	return &InboundKafka{
		Consumer:     consumer,
		Ingest:       ing,
		DedupeHeader: dedupeHeader,
		Log:          log,
		FetchBackoff: 200 * time.Millisecond,
		StoreBackoff: 200 * time.Millisecond,
		MaxBackoff:   10 * time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (w *InboundKafka) Run(ctx context.Context) error {
	if w.Consumer == nil || w.Ingest == nil {
		return errors.New("inbound-kafka: consumer and ingestor are required")
	}
	if w.FetchBackoff <= 0 {
		w.FetchBackoff = 200 * time.Millisecond
	}
	if w.StoreBackoff <= 0 {
		w.StoreBackoff = 200 * time.Millisecond
	}
	if w.MaxBackoff < w.StoreBackoff {
		w.MaxBackoff = w.StoreBackoff
	}

	for {
		m, err := w.Consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, w.FetchBackoff) {
				return nil
			}
			continue
		}

		if !w.processOne(ctx, m) {
			return nil
		}
	}
}

// processOne stores and commits m. It returns false when ctx ended first,
// leaving m uncommitted for redelivery.
func (w *InboundKafka) processOne(ctx context.Context, m kafka.Message) bool {
	log := w.Log.With(
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
	)

	upstreamID, _ := kafka.Header(m, w.DedupeHeader)

	b := retry.WithCappedDuration(w.MaxBackoff, retry.NewExponential(w.StoreBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ev, dup, err := w.Ingest.Ingest(ctx, m.Value, upstreamID)
		if errors.Is(err, ingest.ErrRejected) {
			return err
		}
		if err != nil {
			log.Warn("inbound event not stored, retrying", zap.Error(err))
			return retry.RetryableError(err)
		}
		if dup {
			log.Info("inbound event already stored", zap.String("upstream_id", upstreamID))
		} else {
			log.Debug("inbound event stored", zap.String("event_id", ev.ID))
		}
		return nil
	})
	switch {
	case errors.Is(err, ingest.ErrRejected):
		log.Error("inbound event rejected by storage, skipping",
			zap.Int("bytes", len(m.Value)), zap.Error(err))
	case err != nil:
		// cancelled while retrying
		return false
	}

	if err := w.Consumer.Commit(ctx, m); err != nil {
		log.Error("kafka commit failed", zap.Error(err))
		return ctx.Err() == nil
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
