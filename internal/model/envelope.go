package model

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

// DefaultSubject is used for emails sent without a subject.
const DefaultSubject = "No Subject"

// Envelope is the canonical outbound message produced by the validator.
// Cc, Bcc and Subject are always empty for SMS.
type Envelope struct {
	Channel        Channel  `json:"channel"`
	Recipients     []string `json:"recipients"`
	Cc             []string `json:"cc,omitempty"`
	Bcc            []string `json:"bcc,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Body           string   `json:"body"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// DeriveIdempotencyKey returns a stable key for (channel, recipients, subject, body).
// Recipient order does not affect the key.
func DeriveIdempotencyKey(ch Channel, recipients []string, subject, body string) string {
	sorted := slices.Clone(recipients)
	slices.Sort(sorted)

	h := sha256.New()
	write := func(s string) {
		// length-prefixed so field boundaries can't be shifted
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	write(ch.String())
	write(strings.Join(sorted, "\x00"))
	write(subject)
	write(body)

	return ScopedKey(ch, hex.EncodeToString(h.Sum(nil)))
}

// ScopedKey namespaces an idempotency key by channel.
func ScopedKey(ch Channel, key string) string {
	return ch.String() + ":" + key
}
