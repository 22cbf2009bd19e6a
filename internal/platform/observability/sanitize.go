package observability

import (
	"strings"
	"unicode"
)

// Rune caps for request-derived values written to logs and spans.
const (
	limitDefault = 256
	limitRoute   = 180
	limitMethod  = 10
	limitID      = 64
)

// clip removes control characters and keeps at most max runes, so a client cannot inject
// line breaks or bloat a log entry.
func clip(value string, max int) string {
	if max <= 0 {
		max = limitDefault
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == max {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a route or path for logs and span names. Empty becomes "/".
func SanitizeRoute(route string) string {
	if route = clip(route, limitRoute); route == "" {
		return "/"
	}
	return route
}

func SanitizeMethod(method string) string {
	return clip(method, limitMethod)
}

// SanitizeSessionID cleans a session identifier taken from the URL.
func SanitizeSessionID(id string) string {
	return strings.TrimSpace(clip(id, limitID))
}
