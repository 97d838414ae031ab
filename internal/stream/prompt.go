package stream

import "strings"

// MaxPromptRunes bounds the decoding prompt.
const MaxPromptRunes = 200

// BuildPrompt returns the decoding prompt for the next window: the previous
// accepted text, or seed when there is none, truncated to the last
// MaxPromptRunes runes.
func BuildPrompt(previous, seed string) string {
	prompt := strings.TrimSpace(previous)
	if prompt == "" {
		prompt = strings.TrimSpace(seed)
	}
	runes := []rune(prompt)
	if len(runes) > MaxPromptRunes {
		return string(runes[len(runes)-MaxPromptRunes:])
	}
	return prompt
}
