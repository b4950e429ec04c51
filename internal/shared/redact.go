package shared

import (
	"regexp"
	"strings"
)

const Redacted = "[REDACTED]"

// credentialPatterns find dashboard credentials embedded in free text such as
// audit reasons, error strings and copied request headers. Group 1 is kept.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:dashboard_)?password|x-api-key|api[_-]?keys?|session[_-]?token|access_token)(\s*[:=]\s*"?)[^\s",&]+`),
	regexp.MustCompile(`(?i)(authorization:\s*bearer\s+|bearer\s+)[A-Za-z0-9_\-./+=]{8,}`),
}

// Redact masks credential values in s, keeping the key or scheme that
// introduced them.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range credentialPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			prefix := sub[1]
			if len(sub) > 2 {
				prefix += sub[2]
			}
			return prefix + Redacted
		})
	}
	return s
}

// SensitiveKey reports whether a structured field name carries a credential.
// Token counters (prompt_tokens, total_tokens, ...) and trace ids are not secrets.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case k == "", k == "trace_id", strings.HasSuffix(k, "_tokens"), strings.HasSuffix(k, "_token_effort"):
		return false
	}
	for _, needle := range []string{"password", "secret", "api_key", "api-key", "apikey", "authorization", "token", "cookie"} {
		if strings.Contains(k, needle) {
			return true
		}
	}
	return false
}
