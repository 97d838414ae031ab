package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/engine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(bufferS, overlapS float64) Settings {
	return Settings{
		SampleRate:                16000,
		BufferDurationS:           bufferS,
		OverlapDurationS:          overlapS,
		EndPaddingMs:              300,
		InitialPrompt:             "seed prompt",
		BeamSize:                  5,
		VADFilter:                 true,
		VADMinSilenceMs:           500,
		CompressionRatioThreshold: 2.4,
		LogProbThreshold:          -1.0,
		MaxRepeats:                3,
		WindowTimeout:             time.Second,
		PollInterval:              5 * time.Millisecond,
	}
}

// chunk returns 80 ms of PCM16 audio, silent or carrying a constant level.
func chunk(loud bool) []byte {
	samples := make([]float32, 1280)
	if loud {
		for i := range samples {
			samples[i] = 0.25
		}
	}
	return audio.Float32ToPCM16(samples)
}

func drain(t *testing.T, w *Worker) []Delta {
	t.Helper()
	var out []Delta
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-w.Deltas():
			if !ok {
				return out
			}
			out = append(out, d)
		case <-deadline:
			t.Fatalf("worker did not close the delta channel")
		}
	}
}

func startWorker(t *testing.T, eng engine.Engine, settings Settings) (*Worker, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(eng, settings, nil, discardLogger())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return w, cancel
}

func TestWorkerSilenceProducesNoDeltas(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	w, _ := startWorker(t, eng, testSettings(1.0, 0.5))

	for i := 0; i < 100; i++ {
		if _, err := w.Write(chunk(false)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	w.EndOfStream(context.Background(), 0)

	if deltas := drain(t, w); len(deltas) != 0 {
		t.Fatalf("expected no deltas for silence, got %+v", deltas)
	}
	if eng.Calls() == 0 {
		t.Fatalf("silence must still be transcribed")
	}
}

func TestWorkerEmitsAcceptedDelta(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	eng.Script = func([]float32, engine.Options) []engine.Segment {
		return []engine.Segment{{Text: "Hello world", EndMs: 1000, CompressionRatio: 1.5, AvgLogprob: -0.3}}
	}
	settings := testSettings(1.0, 0)
	w, _ := startWorker(t, eng, settings)

	// 15 chunks = 1.2 s, enough for one window plus a remainder.
	for i := 0; i < 15; i++ {
		_, _ = w.Write(chunk(true))
	}
	waitFor(t, func() bool { return eng.Calls() >= 1 })
	w.EndOfStream(context.Background(), 0)

	deltas := drain(t, w)
	if len(deltas) == 0 || deltas[0].Text != "Hello world" {
		t.Fatalf("expected a Hello world delta, got %+v", deltas)
	}
	if deltas[0].Window != 0 || deltas[0].AudioMs < 1000 {
		t.Fatalf("unexpected delta metadata %+v", deltas[0])
	}
	if w.PreviousText() != "Hello world" {
		t.Fatalf("previous text not updated: %q", w.PreviousText())
	}
}

func TestWorkerFlushesPartialBufferOnce(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	w, _ := startWorker(t, eng, testSettings(1.0, 0.5))

	for i := 0; i < 5; i++ {
		_, _ = w.Write(chunk(true))
	}
	time.Sleep(30 * time.Millisecond)
	if eng.Calls() != 0 {
		t.Fatalf("window below threshold must not be transcribed before end of stream")
	}
	w.EndOfStream(context.Background(), 0)
	drain(t, w)

	if eng.Calls() != 1 {
		t.Fatalf("expected exactly one flush call, got %d", eng.Calls())
	}
	if w.Buffered() != 0 {
		t.Fatalf("buffer must be empty after the final window, got %d", w.Buffered())
	}
	wantSamples := 5*1280 + 16000*300/1000
	if eng.LastSamples() != wantSamples {
		t.Fatalf("expected padded window of %d samples, got %d", wantSamples, eng.LastSamples())
	}
}

func TestWorkerDropsLowQualitySegments(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	eng.Script = func([]float32, engine.Options) []engine.Segment {
		return []engine.Segment{
			{Text: "keep me", CompressionRatio: 1.2, AvgLogprob: -0.2},
			{Text: "repetitive junk", CompressionRatio: 3.1, AvgLogprob: -0.2},
			{Text: "mumbled words", CompressionRatio: 1.2, AvgLogprob: -1.7},
			{Text: "and me", CompressionRatio: 1.1, AvgLogprob: -0.5},
		}
	}
	w, _ := startWorker(t, eng, testSettings(1.0, 0))
	_, _ = w.Write(chunk(true))
	w.EndOfStream(context.Background(), 0)

	deltas := drain(t, w)
	if len(deltas) != 1 || deltas[0].Text != "keep me and me" {
		t.Fatalf("unexpected deltas %+v", deltas)
	}
	for _, bad := range []string{"repetitive junk", "mumbled words"} {
		if strings.Contains(deltas[0].Text, bad) {
			t.Fatalf("rejected text %q leaked into delta", bad)
		}
	}
}

func TestWorkerDiscardsHallucinatedWindow(t *testing.T) {
	var (
		mu      sync.Mutex
		prompts []string
		call    int
	)
	eng := engine.NewStubEngine(discardLogger(), "small")
	eng.Script = func(_ []float32, opts engine.Options) []engine.Segment {
		mu.Lock()
		defer mu.Unlock()
		prompts = append(prompts, opts.InitialPrompt)
		call++
		switch call {
		case 1:
			return []engine.Segment{{Text: "first window text", CompressionRatio: 1.0, AvgLogprob: -0.1}}
		case 2:
			return []engine.Segment{{Text: strings.TrimSpace(strings.Repeat("thank you so much ", 5)), CompressionRatio: 2.0, AvgLogprob: -0.1}}
		default:
			return nil
		}
	}
	w, _ := startWorker(t, eng, testSettings(1.0, 0))

	feed := func() {
		for i := 0; i < 13; i++ {
			_, _ = w.Write(chunk(true))
		}
	}
	feed()
	waitFor(t, func() bool { return eng.Calls() >= 1 })
	waitFor(t, func() bool { return w.PreviousText() == "first window text" })
	feed()
	waitFor(t, func() bool { return eng.Calls() >= 2 })
	waitFor(t, func() bool { return w.PreviousText() == "" })
	feed()
	w.EndOfStream(context.Background(), 0)

	deltas := drain(t, w)
	if len(deltas) != 1 || deltas[0].Text != "first window text" {
		t.Fatalf("hallucinated window must be discarded, got %+v", deltas)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) < 3 {
		t.Fatalf("expected at least three calls, got %d", len(prompts))
	}
	if prompts[0] != "seed prompt" {
		t.Fatalf("first window should use the seed prompt, got %q", prompts[0])
	}
	if prompts[1] != "first window text" {
		t.Fatalf("second window should use the previous text, got %q", prompts[1])
	}
	if prompts[2] != "seed prompt" {
		t.Fatalf("after a hallucination the prompt must fall back to the seed, got %q", prompts[2])
	}
}

func TestWorkerPassesLiveDecodingOptions(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	settings := testSettings(1.0, 0)
	settings.Language = "fr"
	w, _ := startWorker(t, eng, settings)
	_, _ = w.Write(chunk(true))
	w.EndOfStream(context.Background(), 0)
	drain(t, w)

	opts := eng.LastOptions()
	if opts.ConditionOnPreviousText {
		t.Fatalf("live windows must not condition on previous text")
	}
	if opts.Language != "fr" || opts.BeamSize != 5 || !opts.VADFilter || opts.VADMinSilenceMs != 500 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestWorkerWindowTimeoutIsNotFatal(t *testing.T) {
	var (
		mu   sync.Mutex
		call int
	)
	slow := &blockingEngine{block: func() bool {
		mu.Lock()
		defer mu.Unlock()
		call++
		return call == 1
	}}
	settings := testSettings(1.0, 0)
	settings.WindowTimeout = 30 * time.Millisecond
	w, _ := startWorker(t, slow, settings)

	for i := 0; i < 13; i++ {
		_, _ = w.Write(chunk(true))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return call >= 1
	})
	_, _ = w.Write(chunk(true))
	w.EndOfStream(context.Background(), 0)

	deltas := drain(t, w)
	if len(deltas) != 1 || deltas[0].Text != "recovered" || deltas[0].Window != 1 {
		t.Fatalf("expected the worker to continue after a timeout, got %+v", deltas)
	}
}

func TestWorkerCancelSkipsFlush(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	w, _ := startWorker(t, eng, testSettings(1.0, 0))
	_, _ = w.Write(chunk(true))
	w.Cancel()
	drain(t, w)
	<-w.Done()
	if eng.Calls() != 0 {
		t.Fatalf("cancel must not flush buffered audio, got %d calls", eng.Calls())
	}
}

func TestWorkerContextCancel(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	w, cancel := startWorker(t, eng, testSettings(1.0, 0))
	cancel()
	drain(t, w)
}

func TestWorkerPostRollDelaysEndOfStream(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	w, _ := startWorker(t, eng, testSettings(1.0, 0))
	_, _ = w.Write(chunk(true))

	started := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write(chunk(true))
	}()
	w.EndOfStream(context.Background(), 80*time.Millisecond)
	if time.Since(started) < 80*time.Millisecond {
		t.Fatalf("post roll not honoured")
	}
	drain(t, w)
	if eng.Calls() != 1 || eng.LastSamples() != 2*1280+4800 {
		t.Fatalf("chunk arriving during post roll must be included, calls=%d samples=%d", eng.Calls(), eng.LastSamples())
	}
}

func TestWorkerClampsPaddedTimestamps(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	eng.Script = func(samples []float32, _ engine.Options) []engine.Segment {
		end := int64(len(samples)) * 1000 / 16000
		return []engine.Segment{{Text: "tail word", StartMs: 100, EndMs: end, CompressionRatio: 1, AvgLogprob: -0.1}}
	}
	w, _ := startWorker(t, eng, testSettings(1.0, 0))
	for i := 0; i < 5; i++ {
		_, _ = w.Write(chunk(true))
	}
	w.EndOfStream(context.Background(), 0)

	deltas := drain(t, w)
	if len(deltas) != 1 || len(deltas[0].Segments) != 1 {
		t.Fatalf("unexpected deltas %+v", deltas)
	}
	if seg := deltas[0].Segments[0]; seg.EndMs != 400 || seg.StartMs != 100 {
		t.Fatalf("segment must stay inside the 400 ms window, got %+v", seg)
	}
}

func TestWorkerOverlapIsNotReprocessedAtEnd(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	w, _ := startWorker(t, eng, testSettings(1.0, 0.5))
	for i := 0; i < 13; i++ {
		_, _ = w.Write(chunk(true))
	}
	waitFor(t, func() bool { return eng.Calls() == 1 })
	w.EndOfStream(context.Background(), 0)
	drain(t, w)
	if eng.Calls() != 1 {
		t.Fatalf("retained overlap alone must not trigger another window, got %d calls", eng.Calls())
	}
	if n := w.Buffered(); n != 0 {
		t.Fatalf("buffer holds %d bytes after end of stream", n)
	}
}

func TestWorkerStaysSampleAlignedAfterOddChunk(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	var (
		mu     sync.Mutex
		firsts []float32
	)
	eng.Script = func(samples []float32, _ engine.Options) []engine.Segment {
		mu.Lock()
		firsts = append(firsts, samples[0], samples[len(samples)/4])
		mu.Unlock()
		return nil
	}
	w, _ := startWorker(t, eng, testSettings(1.0, 0.5))

	level := make([]float32, 24000)
	for i := range level {
		level[i] = 0.25
	}
	pcm := audio.Float32ToPCM16(level)
	_, _ = w.Write(pcm[:32001])
	waitFor(t, func() bool { return eng.Calls() == 1 })
	_, _ = w.Write(pcm[32001:])
	w.EndOfStream(context.Background(), 0)
	drain(t, w)

	if eng.Calls() != 2 {
		t.Fatalf("expected 2 windows, got %d", eng.Calls())
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range firsts {
		if v != 0.25 {
			t.Fatalf("sample %d decoded as %v, want 0.25", i, v)
		}
	}
}

type blockingEngine struct {
	block func() bool
}

func (e *blockingEngine) Transcribe(ctx context.Context, samples []float32, opts engine.Options, fn engine.SegmentFunc) (engine.Info, error) {
	if e.block() {
		<-ctx.Done()
		return engine.Info{}, ctx.Err()
	}
	return engine.Info{}, fn(engine.Segment{Text: "recovered", CompressionRatio: 1, AvgLogprob: -0.1})
}

func (e *blockingEngine) Close() error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWorkerStopsOnClosedEngine(t *testing.T) {
	eng := engine.NewStubEngine(discardLogger(), "small")
	_ = eng.Close()
	w, _ := startWorker(t, eng, testSettings(1.0, 0))
	_, _ = w.Write(chunk(true))
	w.EndOfStream(context.Background(), 0)
	drain(t, w)
	if !errors.Is(w.Err(), engine.ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", w.Err())
	}
}
