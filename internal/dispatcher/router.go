package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jmehdipour/notification-relay/internal/model"
)

// Router sends each call through one healthy provider, chosen round-robin.
// It makes exactly one provider call per Send*; retries belong to the caller.
type Router struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	senderEmail       string
	senderPhone       string
}

func NewRouter(provs []Provider, senderEmail, senderPhone string) *Router {
	return &Router{providers: provs, senderEmail: senderEmail, senderPhone: senderPhone}
}

func (r *Router) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := r.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (r *Router) acquire() (Provider, error) {
	p, err := r.selectProvider()
	if err != nil {
		return nil, err
	}

	if !p.Acquire() {
		return nil, ErrNoAcquire
	}

	return p, nil
}

func (r *Router) SendEmail(ctx context.Context, env model.Envelope) (Receipt, error) {
	p, err := r.acquire()
	if err != nil {
		return Receipt{}, err
	}

	return p.SendEmail(ctx, r.senderEmail, env)
}

// SendSMS sends to env's single recipient.
func (r *Router) SendSMS(ctx context.Context, env model.Envelope) (Receipt, error) {
	if len(env.Recipients) != 1 {
		return Receipt{}, &ProviderError{Provider: "router", Permanent: true, Err: fmt.Errorf("sms needs exactly one recipient, got %d", len(env.Recipients))}
	}

	p, err := r.acquire()
	if err != nil {
		return Receipt{}, err
	}

	return p.SendSMS(ctx, r.senderPhone, env.Recipients[0], env.Body)
}
