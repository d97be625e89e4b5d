package util

import (
	"regexp"
	"strings"
)

var phoneSeparators = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone tries to normalize user input into E.164 format.
// defaultCC (digits only, e.g. "1" or "98") is applied to national numbers
// written with a single leading 0; it is ignored when empty.
func NormalizePhone(raw, defaultCC string) string {
	s := phoneSeparators.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case strings.HasPrefix(s, "0") && defaultCC != "":
		s = "+" + defaultCC + s[1:]
	case defaultCC != "" && strings.HasPrefix(s, defaultCC):
		s = "+" + s
	}

	return s
}
