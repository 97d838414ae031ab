//go:build whispercpp

package engine

import (
	"context"
	"testing"
)

func BenchmarkNativeEngineTranscribe(b *testing.B) {
	engine := openTestNativeEngine(b)
	clip := loadTestAudio(b)
	samples := clip.Samples
	if len(samples) > 3*16000 {
		samples = samples[:3*16000]
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Transcribe(ctx, samples, Options{Language: "en"}, nil); err != nil {
			b.Fatalf("Transcribe failed: %v", err)
		}
	}
}
