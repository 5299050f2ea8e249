package errs

import (
	"regexp"
	"strings"
)

// Patterns that must never reach a log line or a transport. The
// replacement keeps a short prefix where safe so operators can still
// correlate entries.
var (
	reBotToken   = regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`)
	reBearer     = regexp.MustCompile(`(?i)\b(bearer|token|api[_-]?key|apikey)([=:\s]+)[A-Za-z0-9._~+/-]{8,}`)
	reSecretKey  = regexp.MustCompile(`(?i)\b(sk|xoxb|xapp|ghp|gho)-[A-Za-z0-9-]{10,}\b`)
	rePhone      = regexp.MustCompile(`\+\d{7,15}\b`)
	reVerifyCode = regexp.MustCompile(`(?i)\b(code|otp|verification)([=:\s]+)\d{4,8}\b`)
)

// Redact masks sensitive material (bot tokens, API keys, phone numbers,
// verification codes) in s. Safe on arbitrary text; idempotent.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = reBotToken.ReplaceAllString(s, "[redacted-token]")
	s = reSecretKey.ReplaceAllString(s, "[redacted-key]")
	s = reBearer.ReplaceAllString(s, "$1$2[redacted]")
	s = rePhone.ReplaceAllStringFunc(s, func(m string) string {
		if len(m) <= 5 {
			return "[redacted-phone]"
		}
		return m[:3] + strings.Repeat("*", len(m)-5) + m[len(m)-2:]
	})
	s = reVerifyCode.ReplaceAllString(s, "$1$2[redacted]")
	return s
}

// RedactMap returns a copy of details with string values redacted and
// well-known sensitive keys masked entirely.
func RedactMap(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch strings.ToLower(k) {
		case "token", "api_key", "apikey", "password", "secret", "auth_key":
			out[k] = "[redacted]"
		default:
			if s, ok := v.(string); ok {
				out[k] = Redact(s)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
