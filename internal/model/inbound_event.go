package model

import "time"

// InboundEvent is one ingested queue message. Written once, never mutated.
type InboundEvent struct {
	ID                string          `db:"id"                  json:"id"`
	UpstreamID        *string         `db:"upstream_id"         json:"upstream_id,omitempty"`
	RawMessage        string          `db:"raw_message"         json:"raw_message"`
	Data              RawJSON         `db:"data"                json:"data,omitempty"`
	From              *string         `db:"sms_from"            json:"from,omitempty"`
	To                *string         `db:"sms_to"              json:"to,omitempty"`
	Text              *string         `db:"sms_text"            json:"text,omitempty"`
	ProviderMessageID *string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	ReceivedAt        *time.Time      `db:"received_at"         json:"received_at,omitempty"`
	IngestedAt        time.Time       `db:"ingested_at"         json:"ingested_at"`
	ParseError        *string         `db:"parse_error"         json:"parse_error,omitempty"`
}

// InboundSMS is the SMS-received shape carried in an event's data field.
// ReceivedTimestamp is kept as sent; providers disagree on its format.
type InboundSMS struct {
	MessageID         string `json:"MessageId"`
	From              string `json:"From"`
	To                string `json:"To"`
	Message           string `json:"Message"`
	ReceivedTimestamp string `json:"ReceivedTimestamp"`
}

// Empty reports whether none of the SMS fields were present.
func (s InboundSMS) Empty() bool {
	return s.MessageID == "" && s.From == "" && s.To == "" && s.Message == ""
}
