// Package validator turns raw send requests into canonical envelopes.
// Nothing past this package sees an unnormalized address.
package validator

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	playground "github.com/go-playground/validator/v10"
	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/util"
)

const (
	MaxSMSChars          = 1600
	MaxEmailBodyBytes    = 256 << 10
	MaxIdempotencyKeyLen = 128
	MaxSubjectChars      = 998
)

// ValidationError is a client error; it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// EmailRequest is the body of POST /v1/email/send.
type EmailRequest struct {
	To             []string `json:"to"`
	Cc             []string `json:"cc"`
	Bcc            []string `json:"bcc"`
	Subject        *string  `json:"subject"`
	Message        string   `json:"message"`
	Email          string   `json:"email"` // deprecated single recipient, merged into To
	IdempotencyKey string   `json:"idempotencyKey"`
}

// SMSRequest is the body of POST /v1/sms/send.
type SMSRequest struct {
	PhoneNumber    string `json:"phoneNumber"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type Validator struct {
	v         *playground.Validate
	defaultCC string
}

// New returns a validator. defaultCC is the country code applied to
// national phone numbers (may be empty).
func New(defaultCC string) *Validator {
	return &Validator{
		v:         playground.New(),
		defaultCC: strings.TrimPrefix(strings.TrimSpace(defaultCC), "+"),
	}
}

// ValidateEmail normalizes req into an email envelope.
func (v *Validator) ValidateEmail(req EmailRequest) (model.Envelope, error) {
	raw := req.To
	if strings.TrimSpace(req.Email) != "" {
		raw = append([]string{req.Email}, raw...)
	}

	to, err := v.emailSet("to", raw)
	if err != nil {
		return model.Envelope{}, err
	}
	if len(to) == 0 {
		return model.Envelope{}, invalid("to", "at least one recipient is required")
	}

	seen := make(map[string]struct{}, len(to))
	for _, a := range to {
		seen[a] = struct{}{}
	}
	cc, err := v.emailSet("cc", req.Cc)
	if err != nil {
		return model.Envelope{}, err
	}
	cc = without(cc, seen)
	for _, a := range cc {
		seen[a] = struct{}{}
	}
	bcc, err := v.emailSet("bcc", req.Bcc)
	if err != nil {
		return model.Envelope{}, err
	}
	bcc = without(bcc, seen)

	subject := model.DefaultSubject
	if req.Subject != nil && strings.TrimSpace(*req.Subject) != "" {
		subject = strings.TrimSpace(*req.Subject)
	}
	if utf8.RuneCountInString(subject) > MaxSubjectChars {
		return model.Envelope{}, invalid("subject", "too long")
	}

	// Trimming only decides emptiness; the body is sent as written.
	body := req.Message
	if strings.TrimSpace(body) == "" {
		return model.Envelope{}, invalid("message", "must not be empty")
	}
	if len(body) > MaxEmailBodyBytes {
		return model.Envelope{}, invalid("message", "too long")
	}

	env := model.Envelope{
		Channel:    model.ChannelEmail,
		Recipients: to,
		Cc:         cc,
		Bcc:        bcc,
		Subject:    subject,
		Body:       body,
	}
	env.IdempotencyKey, err = idempotencyKey(env, req.IdempotencyKey)
	if err != nil {
		return model.Envelope{}, err
	}
	return env, nil
}

// ValidateSMS normalizes req into an SMS envelope with exactly one recipient.
func (v *Validator) ValidateSMS(req SMSRequest) (model.Envelope, error) {
	phone := util.NormalizePhone(req.PhoneNumber, v.defaultCC)
	if phone == "" {
		return model.Envelope{}, invalid("phoneNumber", "is required")
	}
	if err := v.v.Var(phone, "e164"); err != nil {
		return model.Envelope{}, invalid("phoneNumber", "must be an E.164 number")
	}

	body := req.Message
	if strings.TrimSpace(body) == "" {
		return model.Envelope{}, invalid("message", "must not be empty")
	}
	if utf8.RuneCountInString(body) > MaxSMSChars {
		return model.Envelope{}, invalid("message", "too long")
	}

	env := model.Envelope{
		Channel:    model.ChannelSMS,
		Recipients: []string{phone},
		Body:       body,
	}
	var err error
	env.IdempotencyKey, err = idempotencyKey(env, req.IdempotencyKey)
	if err != nil {
		return model.Envelope{}, err
	}
	return env, nil
}

// emailSet trims, case-folds, validates and dedupes addresses, keeping first-seen order.
// Blank entries are dropped.
func (v *Validator) emailSet(field string, raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, invalid(field, fmt.Sprintf("%q is not a valid address", r))
		}
		a := strings.ToLower(addr.Address)
		if err := v.v.Var(a, "email"); err != nil {
			return nil, invalid(field, fmt.Sprintf("%q is not a valid address", r))
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

func without(in []string, drop map[string]struct{}) []string {
	out := in[:0]
	for _, a := range in {
		if _, ok := drop[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func idempotencyKey(env model.Envelope, supplied string) (string, error) {
	supplied = strings.TrimSpace(supplied)
	if supplied == "" {
		return model.DeriveIdempotencyKey(env.Channel, env.Recipients, env.Subject, env.Body), nil
	}
	if len(supplied) > MaxIdempotencyKeyLen {
		return "", invalid("idempotencyKey", "too long")
	}
	for _, r := range supplied {
		if r < 0x21 || r > 0x7e {
			return "", invalid("idempotencyKey", "must be printable ASCII without spaces")
		}
	}
	return model.ScopedKey(env.Channel, supplied), nil
}
