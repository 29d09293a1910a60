package parser

import "strings"

// Normalize strips zero-width characters and pictographic emoji from raw
// message text. All whitespace, including newlines, is preserved: the
// extractor's regexes are line anchored and the one-field-per-line layout of
// a signal is significant.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isZeroWidth(r) || isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\ufeff':
		return true
	}
	return false
}

// isEmoji covers the pictograph planes used in chat feeds.
func isEmoji(r rune) bool {
	return r >= 0x1F300 && r <= 0x1FAFF
}
