package model

import "strings"

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) String() string { return string(c) }

// ParseChannel normalizes input. Returns (value, true) if valid.
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email":
		return ChannelEmail, true
	case "sms":
		return ChannelSMS, true
	default:
		return "", false
	}
}

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}
