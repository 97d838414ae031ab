//go:build whispercpp

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// NativeAvailable reports whether the native whisper backend is compiled in.
func NativeAvailable() bool { return true }

// NativeEngine runs whisper.cpp in-process through the Go bindings. The model
// is shared; every call creates its own decoding context so independent
// sessions can transcribe concurrently.
type NativeEngine struct {
	mu    sync.RWMutex
	model whisper.Model
	opts  NativeOptions
	log   *slog.Logger

	ignoredOnce sync.Once
}

// NewNativeEngine loads the ggml model at modelPath.
func NewNativeEngine(modelPath string, opts NativeOptions, logger *slog.Logger) (Engine, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("engine: model path required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("engine: load whisper model %s: %w", modelPath, err)
	}
	return &NativeEngine{
		model: model,
		opts:  opts,
		log:   logger.With("component", "engine.native", "model_path", modelPath),
	}, nil
}

// Transcribe implements the Engine interface.
func (e *NativeEngine) Transcribe(ctx context.Context, samples []float32, opts Options, fn SegmentFunc) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return Info{}, ErrModelNotLoaded
	}

	lang := normaliseLanguage(opts.Language, "auto")
	info := Info{Language: lang, DurationS: durationS(len(samples)), Device: "cpu"}
	if len(samples) == 0 {
		if opts.OnInfo != nil {
			opts.OnInfo(info)
		}
		return info, nil
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return info, fmt.Errorf("engine: create whisper context: %w", err)
	}
	if err := e.configure(wctx, lang, opts); err != nil {
		return info, err
	}

	var (
		emitErr  error
		infoSent bool
	)
	sendInfo := func() {
		if infoSent {
			return
		}
		infoSent = true
		if detected := wctx.DetectedLanguage(); detected != "" {
			info.Language = detected
		}
		if opts.OnInfo != nil {
			opts.OnInfo(info)
		}
	}
	proceed := func() bool { return ctx.Err() == nil && emitErr == nil }
	onSegment := func(seg whisper.Segment) {
		if emitErr != nil {
			return
		}
		sendInfo()
		converted, ok := convertSegment(seg, info.DurationS)
		if !ok || fn == nil {
			return
		}
		emitErr = fn(converted)
	}

	if err := wctx.Process(samples, proceed, onSegment, nil); err != nil {
		if emitErr != nil {
			return info, emitErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return info, ctxErr
		}
		e.log.Warn("native inference failed", "error", err, "samples", len(samples), "language", lang)
		return info, fmt.Errorf("engine: whisper process: %w", err)
	}
	sendInfo()
	if emitErr != nil {
		return info, emitErr
	}
	return info, ctx.Err()
}

func (e *NativeEngine) configure(wctx whisper.Context, lang string, opts Options) error {
	threads := e.opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))
	if err := wctx.SetLanguage(lang); err != nil {
		return fmt.Errorf("engine: set language %q: %w", lang, err)
	}
	wctx.SetTranslate(e.opts.Translate)
	if opts.BeamSize > 1 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	wctx.SetTemperature(opts.Temperature)
	if e.opts.TemperatureFallback > 0 {
		wctx.SetTemperatureFallback(e.opts.TemperatureFallback)
	}
	if prompt := strings.TrimSpace(opts.InitialPrompt); prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}
	// A fresh context per call carries no decoder state across windows, so
	// ConditionOnPreviousText only matters inside a single long file.
	if opts.ConditionOnPreviousText && e.opts.MaxContext > 0 {
		wctx.SetMaxContext(e.opts.MaxContext)
	}
	if ignored := ignoredOptions(opts); len(ignored) > 0 {
		e.ignoredOnce.Do(func() {
			e.log.Debug("decoding options have no whisper.cpp counterpart; ignored", "options", ignored)
		})
	}
	return nil
}

func convertSegment(seg whisper.Segment, durationS float64) (Segment, bool) {
	text := cleanSegmentText(seg.Text)
	if text == "" {
		return Segment{}, false
	}
	probs := make([]float32, 0, len(seg.Tokens))
	for _, tok := range seg.Tokens {
		if strings.HasPrefix(tok.Text, "[_") || strings.HasPrefix(tok.Text, "<|") {
			continue
		}
		probs = append(probs, tok.P)
	}
	limit := int64(durationS * 1000)
	start, end := seg.Start.Milliseconds(), seg.End.Milliseconds()
	if end > limit {
		end = limit
	}
	if start > end {
		start = end
	}
	return Segment{
		Text:             text,
		StartMs:          start,
		EndMs:            end,
		CompressionRatio: CompressionRatio(text),
		AvgLogprob:       AvgLogprob(probs),
	}, true
}

// Close implements the Engine interface.
func (e *NativeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}
