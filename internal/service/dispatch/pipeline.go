// Package dispatch drives one outbound message from reservation to a
// terminal, recorded outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/notification-relay/internal/dispatcher"
	"github.com/jmehdipour/notification-relay/internal/ledger"
	"github.com/jmehdipour/notification-relay/internal/metrics"
	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/util"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	// ErrStorageUnavailable means the ledger could not be consulted or
	// updated. The pipeline never sends without a reservation.
	ErrStorageUnavailable = errors.New("dispatch: storage unavailable")
	// ErrOutcomeUnknown means the provider was called but the result could
	// not be written to the ledger. The record stays pending under the
	// returned Outcome's ID; the message may have been delivered.
	ErrOutcomeUnknown = errors.New("dispatch: outcome unknown")
	// ErrOutboxUnavailable means the outcome is in the ledger but the audit
	// copy could not be written.
	ErrOutboxUnavailable = errors.New("dispatch: outbox unavailable")
	ErrUnknownChannel    = errors.New("dispatch: unknown channel")
)

// Sender makes a single provider call. *dispatcher.Router satisfies it.
type Sender interface {
	SendEmail(ctx context.Context, env model.Envelope) (dispatcher.Receipt, error)
	SendSMS(ctx context.Context, env model.Envelope) (dispatcher.Receipt, error)
}

// Recorder appends terminal outcomes to the outbox.
type Recorder interface {
	Record(ctx context.Context, rec model.DispatchRecord) error
}

type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxElapsed     time.Duration
	AttemptTimeout time.Duration
	StoreTimeout   time.Duration // bound on each ledger and outbox write
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		MaxElapsed:     30 * time.Second,
		AttemptTimeout: 10 * time.Second,
		StoreTimeout:   5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = d.StoreTimeout
	}
	return p
}

func (p Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}

type Pipeline struct {
	ledger   *ledger.Ledger
	sender   Sender
	recorder Recorder
	policy   Policy
	log      *zap.Logger
	now      func() time.Time
}

func NewPipeline(l *ledger.Ledger, s Sender, r Recorder, p Policy, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		ledger:   l,
		sender:   s,
		recorder: r,
		policy:   p.withDefaults(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send dispatches env at most once per idempotency key.
//
// The returned Outcome is meaningful whenever its Record has an ID, including
// alongside ErrOutcomeUnknown and ErrOutboxUnavailable. A Pending outcome
// without an error means another unit of work holds the reservation.
func (p *Pipeline) Send(ctx context.Context, env model.Envelope) (model.Outcome, error) {
	if !env.Channel.Valid() {
		return model.Outcome{}, fmt.Errorf("%w %q", ErrUnknownChannel, env.Channel)
	}

	log := p.log.With(
		zap.String("channel", env.Channel.String()),
		zap.String("idempotency_key", env.IdempotencyKey),
	)

	reserveCtx, cancel := context.WithTimeout(ctx, p.policy.StoreTimeout)
	res, err := p.ledger.Reserve(reserveCtx, model.NewDispatchRecord(util.NewULID(), env, p.now()))
	cancel()
	if err != nil {
		log.Error("reserve failed", zap.Error(err))
		p.count(env.Channel, "error")
		return model.Outcome{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	switch res.State {
	case ledger.AlreadyCompleted:
		log.Info("replaying stored outcome", zap.String("dispatch_id", res.Record.ID), zap.String("status", res.Record.Status.String()))
		p.count(env.Channel, "replayed")
		return model.Outcome{Status: res.Record.Status, Record: res.Record, Replayed: true}, nil
	case ledger.AlreadyInFlight:
		log.Info("dispatch already in flight", zap.String("dispatch_id", res.Record.ID))
		p.count(env.Channel, "pending")
		return model.Outcome{Status: model.StatusPending, Record: res.Record}, nil
	}

	rec := res.Record
	log = log.With(zap.String("dispatch_id", rec.ID))

	receipt, attempts, sendErr := p.attempt(ctx, env, rec, log)
	if errors.Is(sendErr, ErrStorageUnavailable) || errors.Is(sendErr, ErrOutcomeUnknown) {
		p.count(env.Channel, "error")
		rec.Attempts = attempts
		return model.Outcome{Status: model.StatusPending, Record: rec}, sendErr
	}

	rec.Attempts = attempts
	if sendErr == nil {
		sentAt := p.now()
		rec.Status = model.StatusSent
		rec.SentAt = &sentAt
		rec.LastError = nil
		rec.ProviderResponse = receiptJSON(receipt)
	} else {
		msg := sendErr.Error()
		rec.Status = model.StatusFailed
		rec.LastError = &msg
	}

	// the outcome is decided; a cancelled caller must not leave it pending
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.policy.StoreTimeout)
	defer cancel()

	stored, err := p.ledger.Complete(storeCtx, rec)
	if err != nil {
		// the provider was called, so the record cannot fall back to "nothing sent"
		log.Error("complete failed", zap.Error(err), zap.String("status", rec.Status.String()))
		p.count(env.Channel, "error")
		pending := rec
		pending.Status = model.StatusPending
		return model.Outcome{Status: model.StatusPending, Record: pending}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
	}

	out := model.Outcome{Status: stored.Status, Record: stored}
	p.count(env.Channel, stored.Status.String())

	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), p.policy.StoreTimeout)
	defer cancelRecord()
	if err := p.recorder.Record(recordCtx, stored); err != nil {
		log.Error("outbox record failed", zap.Error(err))
		return out, fmt.Errorf("%w: %v", ErrOutboxUnavailable, err)
	}

	if out.Sent() {
		log.Info("dispatch sent", zap.Int("attempts", stored.Attempts))
	} else {
		log.Warn("dispatch failed", zap.Int("attempts", stored.Attempts), zap.Error(sendErr))
	}
	return out, nil
}

// attempt runs the bounded retry loop. It returns the record's attempt
// count and the last provider error. A failed attempt heartbeat ends the loop
// with ErrStorageUnavailable before the first provider call and with
// ErrOutcomeUnknown after it.
func (p *Pipeline) attempt(ctx context.Context, env model.Envelope, rec model.DispatchRecord, log *zap.Logger) (dispatcher.Receipt, int, error) {
	// a departing caller does not abort a reserved dispatch; MaxElapsed bounds it
	budget, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.policy.MaxElapsed)
	defer cancel()

	var (
		receipt  dispatcher.Receipt
		attempts = rec.Attempts
		calls    int
		lastErr  error
	)

	err := retry.Do(budget, p.policy.backoff(), func(ctx context.Context) error {
		attempts++
		if err := p.heartbeat(ctx, rec.ID, attempts); err != nil {
			if calls > 0 {
				return fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
			}
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		calls++

		callCtx, cancel := context.WithTimeout(ctx, p.policy.AttemptTimeout)
		defer cancel()

		r, err := p.call(callCtx, env)
		if err == nil {
			receipt = r
			p.attemptResult(env.Channel, "ok")
			return nil
		}
		lastErr = err

		if dispatcher.IsPermanent(err) {
			p.attemptResult(env.Channel, "permanent")
			log.Warn("permanent provider error", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}

		p.attemptResult(env.Channel, "transient")
		log.Warn("transient provider error", zap.Int("attempt", attempts), zap.Error(err))
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		return receipt, attempts, nil
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrOutcomeUnknown), lastErr == nil:
		return receipt, attempts, err
	case !errors.Is(err, lastErr):
		// budget ran out while backing off
		return receipt, attempts, fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, lastErr)
	default:
		return receipt, attempts, lastErr
	}
}

func (p *Pipeline) heartbeat(ctx context.Context, id string, n int) error {
	ctx, cancel := context.WithTimeout(ctx, p.policy.StoreTimeout)
	defer cancel()
	return p.ledger.Attempt(ctx, id, n)
}

func (p *Pipeline) call(ctx context.Context, env model.Envelope) (dispatcher.Receipt, error) {
	switch env.Channel {
	case model.ChannelEmail:
		return p.sender.SendEmail(ctx, env)
	case model.ChannelSMS:
		return p.sender.SendSMS(ctx, env)
	default:
		return dispatcher.Receipt{}, &dispatcher.ProviderError{Provider: "pipeline", Permanent: true, Err: fmt.Errorf("unknown channel %q", env.Channel)}
	}
}

func (p *Pipeline) count(ch model.Channel, outcome string) {
	metrics.DispatchTotal.WithLabelValues(ch.String(), outcome).Inc()
}

func (p *Pipeline) attemptResult(ch model.Channel, result string) {
	metrics.ProviderAttemptsTotal.WithLabelValues(ch.String(), result).Inc()
}

func receiptJSON(r dispatcher.Receipt) model.RawJSON {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}
