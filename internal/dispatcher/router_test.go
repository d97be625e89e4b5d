package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name    string
	ready   bool
	acquire bool
	calls   int
	from    string
	to      string
}

func (s *stubProvider) Name() string  { return s.name }
func (s *stubProvider) Ready() bool   { return s.ready }
func (s *stubProvider) Acquire() bool { return s.acquire }

func (s *stubProvider) SendEmail(_ context.Context, from string, env model.Envelope) (Receipt, error) {
	s.calls++
	s.from = from
	return Receipt{Provider: s.name}, nil
}

func (s *stubProvider) SendSMS(_ context.Context, from, to, body string) (Receipt, error) {
	s.calls++
	s.from, s.to = from, to
	return Receipt{Provider: s.name}, nil
}

func TestRouter_RoundRobinOverHealthy(t *testing.T) {
	a := &stubProvider{name: "a", ready: true, acquire: true}
	b := &stubProvider{name: "b", ready: false, acquire: true}
	c := &stubProvider{name: "c", ready: true, acquire: true}
	r := NewRouter([]Provider{a, b, c}, "noreply@example.com", "+15550000000")

	env := model.Envelope{Channel: model.ChannelSMS, Recipients: []string{"+15551234567"}, Body: "Hi"}
	for i := 0; i < 4; i++ {
		_, err := r.SendSMS(context.Background(), env)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, a.calls)
	assert.Equal(t, 0, b.calls)
	assert.Equal(t, 2, c.calls)
	assert.Equal(t, "+15550000000", a.from)
	assert.Equal(t, "+15551234567", a.to)

	_, err := r.SendEmail(context.Background(), model.Envelope{Channel: model.ChannelEmail, Recipients: []string{"x@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "noreply@example.com", a.from)
}

func TestRouter_NoHealthy(t *testing.T) {
	r := NewRouter([]Provider{&stubProvider{name: "a"}}, "", "")

	_, err := r.SendSMS(context.Background(), model.Envelope{Recipients: []string{"+15551234567"}})
	assert.True(t, errors.Is(err, ErrNoHealthy))
	assert.False(t, IsPermanent(err))
}

func TestRouter_NotAcquired(t *testing.T) {
	r := NewRouter([]Provider{&stubProvider{name: "a", ready: true}}, "", "")

	_, err := r.SendEmail(context.Background(), model.Envelope{})
	assert.ErrorIs(t, err, ErrNoAcquire)
}

func TestRouter_SMSNeedsOneRecipient(t *testing.T) {
	a := &stubProvider{name: "a", ready: true, acquire: true}
	r := NewRouter([]Provider{a}, "", "")

	_, err := r.SendSMS(context.Background(), model.Envelope{Recipients: []string{"+1555", "+1556"}})
	assert.True(t, IsPermanent(err))
	assert.Zero(t, a.calls)
}
