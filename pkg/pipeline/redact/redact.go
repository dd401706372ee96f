package redact

import (
	"regexp"
	"strings"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token)\b\s*[:=]\s*[^\s"'&]+`)

	// Session handles act as bearer credentials for the RPC service.
	sessionQueryRe  = regexp.MustCompile(`(?i)\bsessionId=[^\s"'&]+`)
	sessionHeaderRe = regexp.MustCompile(`(?i)\bMcp-Session-Id\s*:\s*[^\s"']+`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	out = sessionQueryRe.ReplaceAllString(out, "sessionId=<redacted>")
	out = sessionHeaderRe.ReplaceAllString(out, "Mcp-Session-Id: <redacted>")
	return strings.TrimSpace(out)
}

// Truncate redacts s and cuts it to at most max bytes, flattening newlines.
// Used for error snippets built from remote response bodies.
func Truncate(body []byte, max int) string {
	if len(body) == 0 {
		return ""
	}
	b := body
	if max > 0 && len(b) > max {
		b = b[:max]
	}
	s := Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if max > 0 && len(body) > max {
		return s + "..."
	}
	return s
}
