package executor

import (
	"strings"
	"unicode/utf8"
)

// charsPerToken approximates token length when slicing raw text.
const charsPerToken = 4

// Continuity returns the tail of content that the next unit should pick up
// from, bounded to roughly maxTokens. It prefers to start at a paragraph
// boundary and then at a sentence boundary, as long as that keeps at least
// half of the window.
func Continuity(content string, maxTokens int) string {
	if content == "" || maxTokens <= 0 {
		return ""
	}
	limit := maxTokens * charsPerToken
	tail := content
	if len(tail) > limit {
		start := len(tail) - limit
		for start < len(tail) && !utf8.RuneStart(tail[start]) {
			start++
		}
		tail = tail[start:]
	}

	if i := strings.LastIndex(tail, "\n\n"); i > limit/2 {
		return strings.TrimSpace(tail[i:])
	}
	if i := strings.LastIndex(tail, ". "); i > limit/2 {
		return strings.TrimSpace(tail[i+2:])
	}
	return strings.TrimSpace(tail)
}
