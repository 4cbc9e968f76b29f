package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already local", "09123456789", "09123456789"},
		{"plus country code", "+989123456789", "09123456789"},
		{"double zero country code", "00989123456789", "09123456789"},
		{"bare country code", "989123456789", "09123456789"},
		{"spaces stripped", "0912 345 6789", "09123456789"},
		{"dashes stripped", "0912-345-6789", "09123456789"},
		{"mixed separators with prefix", "+98 912-345-6789", "09123456789"},
		{"surrounding whitespace", "  09123456789  ", "09123456789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.input))
		})
	}
}

func TestValidatePhone(t *testing.T) {
	valid := []string{"09123456789", "09351234567", "09901234567"}
	for _, phone := range valid {
		assert.True(t, ValidatePhone(phone), phone)
	}

	invalid := []string{
		"",
		"0912345678",    // too short
		"091234567890",  // too long
		"08123456789",   // wrong prefix
		"9123456789",    // missing leading zero
		"+989123456789", // not normalized
		"0912345678a",   // non-digit
	}
	for _, phone := range invalid {
		assert.False(t, ValidatePhone(phone), phone)
	}
}
