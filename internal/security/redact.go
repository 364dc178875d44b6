package security

import (
	"net/url"
	"strconv"
	"strings"
)

// sensitiveParams are query parameter names that likely carry secrets.
var sensitiveParams = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"auth",
	"authorization",
	"credential",
	"key",
	"session",
	"sid",
}

// RedactURL removes credentials and secret-looking query parameters from a
// URL so it can be logged safely.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		params := parsed.Query()
		for key := range params {
			lower := strings.ToLower(key)
			for _, pattern := range sensitiveParams {
				if strings.Contains(lower, pattern) {
					params.Set(key, "[REDACTED]")
					break
				}
			}
		}
		parsed.RawQuery = params.Encode()
	}

	return parsed.String()
}

// RedactToken shortens a session token for logging: the first four
// characters plus the length. The full token is persisted only in the
// session record and vote log, never in log lines.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****(" + strconv.Itoa(len(token)) + ")"
}
