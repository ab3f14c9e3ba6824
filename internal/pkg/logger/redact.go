package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var secretKeys = []string{"password", "secret", "token", "api_key", "apikey", "authorization", "private_key"}

var (
	// key=value or key: value pairs inside free text
	inlineSecret = regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s;&,]+)`)
	// user:password@host credentials in DSNs and URLs
	dsnCredential = regexp.MustCompile(`([A-Za-z0-9_.\-]+):([^@/\s:]+)@`)
	bearerToken   = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`)
)

// RedactSecrets masks credentials embedded in a string.
// "user:hunter2@acct/db" → "user:[REDACTED]@acct/db"
// "PASSWORD=hunter2;DB=x" → "PASSWORD=[REDACTED];DB=x"
func RedactSecrets(s string) string {
	s = inlineSecret.ReplaceAllString(s, "${1}${2}"+redacted)
	s = dsnCredential.ReplaceAllString(s, "${1}:"+redacted+"@")
	s = bearerToken.ReplaceAllString(s, "Bearer "+redacted)
	return s
}

func redactValue(key, val string) string {
	k := strings.ToLower(key)
	for _, sk := range secretKeys {
		if k == sk || strings.HasSuffix(k, "_"+sk) || strings.HasPrefix(k, sk+"_") {
			if val == "" {
				return val
			}
			return redacted
		}
	}
	return RedactSecrets(val)
}
