package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var promptPolicy = bluemonday.StrictPolicy()

// NormalizePrompt prepares free text for a model request: markup is stripped, the text
// is NFKC-normalised, control characters are dropped, whitespace runs collapse to a
// single space and the result is capped at maxRunes (no cap when maxRunes <= 0).
func NormalizePrompt(text string, maxRunes int) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	stripped := html.UnescapeString(promptPolicy.Sanitize(text))
	normalized := norm.NFKC.String(stripped)

	var b strings.Builder
	b.Grow(len(normalized))
	count := 0
	pendingSpace := false
	for _, r := range normalized {
		if unicode.IsSpace(r) {
			pendingSpace = count > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if pendingSpace {
			if maxRunes > 0 && count+1 >= maxRunes {
				break
			}
			b.WriteRune(' ')
			count++
			pendingSpace = false
		}
		if maxRunes > 0 && count >= maxRunes {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
