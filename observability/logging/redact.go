package logging

import (
	"log/slog"
	"sort"
	"strings"
	"unicode"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":    {},
	"env":        {},
	"message":    {},
	"severity":   {},
	"timestamp":  {},
	"error":      {},
	"kind":       {},
	"component":  {},
	"lease_id":   {},
	"payment_id": {},
	"reference":  {},
	"status":     {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the keys emitted without
// redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskPhone keeps the last three digits of a phone number, e.g.
// "+256772123456" becomes "*********456". Numbers with fewer than six digits
// are fully redacted.
func MaskPhone(phone string) string {
	var digits []rune
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) == 0 {
		return phone
	}
	if len(digits) < 6 {
		return RedactedValue
	}
	return strings.Repeat("*", len(digits)-3) + string(digits[len(digits)-3:])
}

// Phone returns a slog attribute carrying a masked phone number.
func Phone(key, phone string) slog.Attr {
	return slog.String(key, MaskPhone(phone))
}
