package engine

import (
	"math"
	"strings"
	"testing"
)

func TestCompressionRatio(t *testing.T) {
	if CompressionRatio("") != 0 {
		t.Fatalf("empty text should have ratio 0")
	}
	prose := "The quick brown fox jumps over the lazy dog near the river bank."
	if r := CompressionRatio(prose); r <= 0 || r > 2.4 {
		t.Fatalf("prose ratio out of range: %f", r)
	}
	repeated := strings.Repeat("thank you for watching ", 20)
	if r := CompressionRatio(repeated); r <= 2.4 {
		t.Fatalf("repeated text should exceed 2.4, got %f", r)
	}
}

func TestAvgLogprob(t *testing.T) {
	if AvgLogprob(nil) != 0 {
		t.Fatalf("no tokens should average to 0")
	}
	got := AvgLogprob([]float32{1, 0, float32(math.Exp(-1))})
	if math.Abs(got-(-0.5)) > 1e-6 {
		t.Fatalf("unexpected average %f", got)
	}
}

func TestCleanSegmentText(t *testing.T) {
	tests := map[string]string{
		"  hello world ":    "hello world",
		"[BLANK_AUDIO]":     "",
		" (music) ":         "",
		"[laughs] and then": "[laughs] and then",
		"(a) then (b)":      "(a) then (b)",
		"":                  "",
	}
	for in, want := range tests {
		if got := cleanSegmentText(in); got != want {
			t.Fatalf("cleanSegmentText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormaliseLanguage(t *testing.T) {
	tests := []struct {
		candidate string
		fallback  string
		want      string
	}{
		{"EN", "fr", "en"},
		{" ", "fr", "fr"},
		{"", "", "auto"},
	}
	for _, tc := range tests {
		if got := normaliseLanguage(tc.candidate, tc.fallback); got != tc.want {
			t.Fatalf("normaliseLanguage(%q, %q) = %q, want %q", tc.candidate, tc.fallback, got, tc.want)
		}
	}
}
