package model

import "time"

type DispatchStatus string

const (
	StatusPending DispatchStatus = "pending"
	StatusSent    DispatchStatus = "sent"
	StatusFailed  DispatchStatus = "failed"
)

func (s DispatchStatus) String() string {
	return string(s)
}

func (s DispatchStatus) Valid() bool {
	return s == StatusPending || s == StatusSent || s == StatusFailed
}

// Terminal reports whether the status can no longer change.
func (s DispatchStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// DispatchRecord is one attempted send, persisted in dispatch_records.
// It is immutable once its status is terminal.
type DispatchRecord struct {
	ID               string          `db:"id"                json:"id"`
	IdempotencyKey   string          `db:"idempotency_key"   json:"idempotency_key"`
	Channel          Channel         `db:"channel"           json:"channel"`
	Recipients       Recipients      `db:"recipients"        json:"recipients"`
	Status           DispatchStatus  `db:"status"            json:"status"`
	Attempts         int             `db:"attempts"          json:"attempts"`
	LastError        *string         `db:"last_error"        json:"last_error,omitempty"`
	SentAt           *time.Time      `db:"sent_at"           json:"sent_at,omitempty"`
	ProviderResponse RawJSON         `db:"provider_response" json:"provider_response,omitempty"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
}

// NewDispatchRecord builds the pending record reserved for env.
func NewDispatchRecord(id string, env Envelope, now time.Time) DispatchRecord {
	return DispatchRecord{
		ID:             id,
		IdempotencyKey: env.IdempotencyKey,
		Channel:        env.Channel,
		Recipients:     Recipients(env.Recipients),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
