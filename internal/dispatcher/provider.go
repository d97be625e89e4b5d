package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmehdipour/notification-relay/internal/model"
)

const maxResponseBytes = 64 << 10

// Receipt is a provider's acknowledgement of an accepted message.
type Receipt struct {
	Provider  string          `json:"provider"`
	MessageID string          `json:"message_id,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	SendEmail(ctx context.Context, from string, env model.Envelope) (Receipt, error)
	SendSMS(ctx context.Context, from, to, body string) (Receipt, error)
}

type HTTPProvider struct {
	name      string
	baseURL   string
	emailPath string
	smsPath   string
	apiKey    string
	client    *http.Client
	br        *MicroBreaker
}

func NewHTTPProvider(
	name, baseURL, emailPath, smsPath, apiKey string,
	timeoutMs, failThreshold, openForMs int,
) *HTTPProvider {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	if emailPath == "" {
		emailPath = "/emails:send"
	}

	if smsPath == "" {
		smsPath = "/sms"
	}

	return &HTTPProvider{
		name:      name,
		baseURL:   baseURL,
		emailPath: emailPath,
		smsPath:   smsPath,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:        NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Ready() bool   { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool { return p.br.TryAcquire() }

type emailRecipients struct {
	To  []string `json:"to"`
	Cc  []string `json:"cc,omitempty"`
	Bcc []string `json:"bcc,omitempty"`
}

type emailContent struct {
	Subject   string `json:"subject"`
	PlainText string `json:"plainText"`
}

type emailBody struct {
	SenderAddress string          `json:"senderAddress"`
	Recipients    emailRecipients `json:"recipients"`
	Content       emailContent    `json:"content"`
}

type smsBody struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Message string   `json:"message"`
}

// providerReply is the JSON body returned by providers. Accepted defaults to
// true when absent so that a bare 2xx counts as success.
type providerReply struct {
	ID       string `json:"id"`
	Accepted *bool  `json:"accepted"`
	Error    string `json:"error"`
}

func (p *HTTPProvider) SendEmail(ctx context.Context, from string, env model.Envelope) (Receipt, error) {
	return p.send(ctx, p.emailPath, emailBody{
		SenderAddress: from,
		Recipients:    emailRecipients{To: env.Recipients, Cc: env.Cc, Bcc: env.Bcc},
		Content:       emailContent{Subject: env.Subject, PlainText: env.Body},
	})
}

func (p *HTTPProvider) SendSMS(ctx context.Context, from, to, body string) (Receipt, error) {
	return p.send(ctx, p.smsPath, smsBody{From: from, To: []string{to}, Message: body})
}

// send posts body and feeds the outcome to the breaker. Only transient
// failures count against provider health.
func (p *HTTPProvider) send(ctx context.Context, path string, body any) (Receipt, error) {
	rc, err := p.post(ctx, path, body)
	if err != nil && !IsPermanent(err) {
		p.br.OnFailure()
		return Receipt{}, err
	}

	p.br.OnSuccess()

	return rc, err
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any) (Receipt, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, &ProviderError{Provider: p.name, Permanent: true, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return Receipt{}, &ProviderError{Provider: p.name, Permanent: true, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	res, err := p.client.Do(req)
	if err != nil {
		// network errors and timeouts are transient
		return Receipt{}, &ProviderError{Provider: p.name, Err: err, Permanent: errors.Is(err, context.Canceled)}
	}

	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Receipt{}, &ProviderError{Provider: p.name, StatusCode: res.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var reply providerReply
	parsed := json.Unmarshal(raw, &reply) == nil

	if res.StatusCode/100 != 2 {
		msg := fmt.Errorf("path=%s", path)
		if parsed && reply.Error != "" {
			msg = fmt.Errorf("path=%s: %s", path, reply.Error)
		}
		return Receipt{}, &ProviderError{
			Provider:   p.name,
			StatusCode: res.StatusCode,
			Permanent:  permanentStatus(res.StatusCode),
			Err:        msg,
		}
	}

	rc := Receipt{Provider: p.name}
	if !parsed {
		return rc, nil
	}

	rc.MessageID = reply.ID
	rc.Response = json.RawMessage(raw)
	if reply.Accepted != nil && !*reply.Accepted {
		reason := reply.Error
		if reason == "" {
			reason = "rejected"
		}
		return rc, &ProviderError{Provider: p.name, StatusCode: res.StatusCode, Permanent: true, Err: errors.New(reason)}
	}

	return rc, nil
}
