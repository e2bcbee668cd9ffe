package logutil

import "strings"

// maxLoggedLen bounds how much of a single remote-supplied value ends up in
// one log line.
const maxLoggedLen = 256

// SanitizeForLog flattens newlines, tabs and other control characters so a
// host name, path or command cannot forge extra log entries. Long values are
// cut at maxLoggedLen runes with a trailing ellipsis.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == maxLoggedLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}

// Redact keeps the last four characters of a secret for correlation in logs.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) > 8 {
		return "****" + secret[len(secret)-4:]
	}
	return "****"
}
