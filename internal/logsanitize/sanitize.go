// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import "strings"

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117).
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// maskedSuffix replaces everything after the visible prefix of a user name.
const maskedSuffix = "******"

// MaskUsername hides most of a user name for audit-style log lines.
// The first two characters stay visible so operators can still correlate
// events; names of two characters or fewer are fully masked.
func MaskUsername(name string) string {
	runes := []rune(Sanitize(name))
	if len(runes) <= 2 {
		return maskedSuffix
	}
	return string(runes[:2]) + maskedSuffix
}
