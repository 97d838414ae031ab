package stream

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestBuildPrompt(t *testing.T) {
	if got := BuildPrompt("previous words", "seed"); got != "previous words" {
		t.Fatalf("previous text must win, got %q", got)
	}
	if got := BuildPrompt("  ", "seed"); got != "seed" {
		t.Fatalf("seed fallback expected, got %q", got)
	}
	if got := BuildPrompt("", ""); got != "" {
		t.Fatalf("expected empty prompt, got %q", got)
	}
}

func TestBuildPromptTruncatesRunes(t *testing.T) {
	long := strings.Repeat("é", 150) + strings.Repeat("a", 150)
	got := BuildPrompt(long, "")
	if utf8.RuneCountInString(got) != MaxPromptRunes {
		t.Fatalf("unexpected rune count %d", utf8.RuneCountInString(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
	if !strings.HasSuffix(got, "aaa") || !strings.HasPrefix(got, "é") {
		t.Fatalf("expected the last 200 runes, got %q", got)
	}
}
