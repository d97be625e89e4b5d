package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPProvider("test", srv.URL, "/emails", "/sms", "key", 500, 2, 60000)
}

func TestHTTPProvider_SendSMS(t *testing.T) {
	var got smsBody
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sms", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"prov-1","accepted":true}`))
	})

	rc, err := p.SendSMS(context.Background(), "+15550000000", "+15551234567", "Hi")
	require.NoError(t, err)
	assert.Equal(t, "prov-1", rc.MessageID)
	assert.Equal(t, "test", rc.Provider)
	assert.JSONEq(t, `{"id":"prov-1","accepted":true}`, string(rc.Response))
	assert.Equal(t, smsBody{From: "+15550000000", To: []string{"+15551234567"}, Message: "Hi"}, got)
}

func TestHTTPProvider_SendEmail(t *testing.T) {
	var got emailBody
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	env := model.Envelope{
		Channel:    model.ChannelEmail,
		Recipients: []string{"a@example.com"},
		Bcc:        []string{"b@example.com"},
		Subject:    "No Subject",
		Body:       "hello",
	}
	rc, err := p.SendEmail(context.Background(), "noreply@example.com", env)
	require.NoError(t, err)
	assert.Empty(t, rc.MessageID)
	assert.Equal(t, "noreply@example.com", got.SenderAddress)
	assert.Equal(t, []string{"a@example.com"}, got.Recipients.To)
	assert.Equal(t, []string{"b@example.com"}, got.Recipients.Bcc)
	assert.Equal(t, "hello", got.Content.PlainText)
}

func TestHTTPProvider_ErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"server error", http.StatusBadGateway, `{"error":"upstream"}`, false},
		{"throttled", http.StatusTooManyRequests, ``, false},
		{"bad recipient", http.StatusBadRequest, `{"error":"invalid recipient"}`, true},
		{"rejected in body", http.StatusOK, `{"accepted":false,"error":"blocked number"}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := p.SendSMS(context.Background(), "+1", "+15551234567", "Hi")
			require.Error(t, err)

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.StatusCode)
			assert.Equal(t, tc.permanent, IsPermanent(err))
		})
	}
}

func TestHTTPProvider_TimeoutIsTransientAndTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(700 * time.Millisecond)
	})

	for i := 0; i < 2; i++ {
		_, err := p.SendSMS(context.Background(), "+1", "+15551234567", "Hi")
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	}

	assert.False(t, p.Ready(), "two consecutive timeouts open the breaker")
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPProvider_PermanentDoesNotTripBreaker(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	for i := 0; i < 3; i++ {
		_, err := p.SendSMS(context.Background(), "+1", "+15551234567", "Hi")
		require.True(t, IsPermanent(err))
	}
	assert.True(t, p.Ready())
}
