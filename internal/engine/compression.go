package engine

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
)

// CompressionRatio returns len(text) / len(zlib(text)), the repetition metric
// used to reject degenerate decoder output. Empty text has a ratio of 0.
func CompressionRatio(text string) float64 {
	if text == "" {
		return 0
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(text)); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	if buf.Len() == 0 {
		return 0
	}
	return float64(len(text)) / float64(buf.Len())
}

// AvgLogprob averages the natural log of token probabilities. Tokens with a
// non-positive probability are skipped.
func AvgLogprob(probs []float32) float64 {
	var (
		sum float64
		n   int
	)
	for _, p := range probs {
		if p <= 0 {
			continue
		}
		sum += logf(p)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
