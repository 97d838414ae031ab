package engine

import (
	"math"
	"strings"
)

func normaliseLanguage(candidate, fallback string) string {
	if trimmed := strings.TrimSpace(candidate); trimmed != "" {
		return strings.ToLower(trimmed)
	}
	if trimmed := strings.TrimSpace(fallback); trimmed != "" {
		return strings.ToLower(trimmed)
	}
	return "auto"
}

// cleanSegmentText trims decoder output and drops non-speech markers such as
// [BLANK_AUDIO] or (music).
func cleanSegmentText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '[' && last == ']') || (first == '(' && last == ')') {
			if !strings.ContainsAny(text[1:len(text)-1], "[]()") {
				return ""
			}
		}
	}
	return text
}

func logf(p float32) float64 {
	return math.Log(float64(p))
}
