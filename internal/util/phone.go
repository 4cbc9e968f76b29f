package util

import (
	"regexp"
	"strings"
)

var mobilePattern = regexp.MustCompile(`^09\d{9}$`)

// NormalizePhone converts the supported Iranian mobile number formats
// (+98912..., 0098912..., 98912..., 0912...) to the canonical local
// form starting with 0. Spaces and dashes are stripped first.
func NormalizePhone(phone string) string {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(phone))

	switch {
	case strings.HasPrefix(cleaned, "+98"):
		cleaned = "0" + cleaned[3:]
	case strings.HasPrefix(cleaned, "0098"):
		cleaned = "0" + cleaned[4:]
	case strings.HasPrefix(cleaned, "98") && len(cleaned) == 12:
		cleaned = "0" + cleaned[2:]
	}

	return cleaned
}

// ValidatePhone reports whether the normalized number is a valid
// Iranian mobile number (11 digits starting with 09).
func ValidatePhone(phone string) bool {
	return mobilePattern.MatchString(phone)
}
