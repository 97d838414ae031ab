package stream

import (
	"strings"
	"unicode/utf8"

	"github.com/openwhisper/transcriber/internal/engine"
)

// Discard reasons reported by Filter.Accept.
const (
	ReasonEmpty            = "empty"
	ReasonCompressionRatio = "compression_ratio"
	ReasonLogProb          = "avg_logprob"
)

// Filter rejects low quality segments.
type Filter struct {
	CompressionRatioThreshold float64
	LogProbThreshold          float64
}

// Accept reports whether seg should be kept, and otherwise why not.
func (f Filter) Accept(seg engine.Segment) (bool, string) {
	if strings.TrimSpace(seg.Text) == "" {
		return false, ReasonEmpty
	}
	if seg.CompressionRatio > f.CompressionRatioThreshold {
		return false, ReasonCompressionRatio
	}
	if seg.AvgLogprob < f.LogProbThreshold {
		return false, ReasonLogProb
	}
	return true, ""
}

// Join concatenates accepted segment texts with single spaces.
func Join(parts []string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

const (
	minHallucinationRunes = 30
	minHallucinationWords = 6
)

// IsHallucinated reports whether text is dominated by a phrase of 3 to 6
// words repeated consecutively more than maxRepeats times. Short texts are
// never flagged.
func IsHallucinated(text string, maxRepeats int) bool {
	if utf8.RuneCountInString(text) < minHallucinationRunes {
		return false
	}
	words := strings.Fields(text)
	if len(words) < minHallucinationWords {
		return false
	}

	maxSize := len(words)/2 + 1
	if maxSize > 7 {
		maxSize = 7
	}
	for size := 3; size < maxSize; size++ {
		for start := 0; start+size <= len(words); start++ {
			if repeats(words, start, size) > maxRepeats {
				return true
			}
		}
	}
	return false
}

// repeats counts consecutive, non-overlapping occurrences of the n-gram
// words[start:start+size] beginning at start.
func repeats(words []string, start, size int) int {
	count := 0
	for i := start; i+size <= len(words); i += size {
		if !equalWords(words[start:start+size], words[i:i+size]) {
			break
		}
		count++
	}
	return count
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
