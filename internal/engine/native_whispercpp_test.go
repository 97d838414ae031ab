//go:build whispercpp

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openwhisper/transcriber/internal/audio"
)

func TestNativeEngineTranscribesFixture(t *testing.T) {
	engine := openTestNativeEngine(t)
	clip := loadTestAudio(t)

	var (
		segments []Segment
		gotInfo  bool
	)
	info, err := engine.Transcribe(context.Background(), clip.Samples, Options{
		Language: "en",
		BeamSize: 5,
		OnInfo:   func(Info) { gotInfo = true },
	}, func(seg Segment) error {
		segments = append(segments, seg)
		return nil
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !gotInfo {
		t.Fatal("OnInfo was not called")
	}
	if len(segments) == 0 {
		t.Fatal("no segments produced")
	}
	limit := int64(info.DurationS * 1000)
	var prev int64
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			t.Fatalf("empty segment text: %+v", seg)
		}
		if seg.StartMs < prev || seg.EndMs > limit || seg.StartMs > seg.EndMs {
			t.Fatalf("segment timestamps out of order or range: %+v (limit %d)", seg, limit)
		}
		if seg.CompressionRatio <= 0 || seg.AvgLogprob > 0 {
			t.Fatalf("unexpected quality metrics: %+v", seg)
		}
		prev = seg.StartMs
	}
}

func TestNativeEngineSilenceProducesNoError(t *testing.T) {
	engine := openTestNativeEngine(t)
	if _, err := engine.Transcribe(context.Background(), nil, Options{Language: "en"}, nil); err != nil {
		t.Fatalf("empty input: %v", err)
	}
	silence := make([]float32, 16000)
	if _, err := engine.Transcribe(context.Background(), silence, Options{Language: "en"}, nil); err != nil {
		t.Fatalf("silent input: %v", err)
	}
}

func TestNativeEngineRespectsContextCancellation(t *testing.T) {
	engine := openTestNativeEngine(t)
	clip := loadTestAudio(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Transcribe(ctx, clip.Samples, Options{Language: "en"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestNativeEngineStopsOnCallbackError(t *testing.T) {
	engine := openTestNativeEngine(t)
	clip := loadTestAudio(t)
	stop := errors.New("stop")

	calls := 0
	_, err := engine.Transcribe(context.Background(), clip.Samples, Options{Language: "en"}, func(Segment) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected emission to stop after the first segment, got %d calls", calls)
	}
}

func TestNewNativeEngineRejectsEmptyPath(t *testing.T) {
	if _, err := NewNativeEngine("", NativeOptions{}, nil); err == nil {
		t.Fatal("expected error for empty model path")
	}
}

func openTestNativeEngine(tb testing.TB) *NativeEngine {
	tb.Helper()

	modelRel := filepath.Join("testdata", "models", "ggml-base.bin")
	modelPath := locateFixture(tb, modelRel, "run `go run ./cmd/transcriber models download base --dir testdata`")
	eng, err := NewNativeEngine(modelPath, NativeOptions{}, nil)
	if err != nil {
		tb.Fatalf("NewNativeEngine: %v", err)
	}
	native, ok := eng.(*NativeEngine)
	if !ok {
		tb.Fatalf("unexpected engine type %T", eng)
	}
	tb.Cleanup(func() {
		if cerr := native.Close(); cerr != nil {
			tb.Errorf("engine.Close: %v", cerr)
		}
	})
	return native
}

func loadTestAudio(tb testing.TB) audio.Clip {
	tb.Helper()
	clip, err := audio.DecodeWAVFile(locateFixture(tb, filepath.Join("testdata", "test.wav"), ""))
	if err != nil {
		tb.Fatalf("DecodeWAVFile: %v", err)
	}
	return clip
}

func locateFixture(tb testing.TB, relativePath string, suggestion string) string {
	tb.Helper()

	wd, err := os.Getwd()
	if err != nil {
		tb.Fatalf("getwd: %v", err)
	}

	visited := make([]string, 0, 4)
	for {
		candidate := filepath.Join(wd, relativePath)
		visited = append(visited, candidate)

		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			tb.Fatalf("stat %s: %v", candidate, err)
		}

		parent := filepath.Dir(wd)
		if parent == wd {
			msg := fmt.Sprintf("fixture %s not found (checked: %s)", relativePath, strings.Join(visited, ", "))
			if suggestion != "" {
				msg = fmt.Sprintf("%s; %s", msg, suggestion)
			}
			tb.Skip(msg)
		}
		wd = parent
	}
}
