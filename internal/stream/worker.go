package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/engine"
)

// Delta is one accepted piece of transcript produced by a window.
type Delta struct {
	Text string
	// Window is the zero-based index of the window that produced the delta.
	Window int
	// AudioMs is the amount of fresh audio consumed up to and including
	// this window.
	AudioMs int64
	// Segments are the accepted segments, timestamps relative to the window.
	Segments []engine.Segment
}

// Observer receives diagnostics from the worker. *telemetry.SessionMetrics
// satisfies it.
type Observer interface {
	RecordWindow(size int, elapsed time.Duration, timedOut bool)
	RecordDiscard(reason, text string)
	RecordHallucination(text string)
	RecordDelta(text string)
}

type nopObserver struct{}

func (nopObserver) RecordWindow(int, time.Duration, bool) {}
func (nopObserver) RecordDiscard(string, string)          {}
func (nopObserver) RecordHallucination(string)            {}
func (nopObserver) RecordDelta(string)                    {}

// Worker cuts the buffered stream into windows, transcribes them one at a
// time and publishes accepted deltas. The Deltas channel is closed when the
// worker exits, which is the terminal signal for consumers.
type Worker struct {
	eng      engine.Engine
	settings Settings
	filter   Filter
	buf      *Buffer
	obs      Observer
	log      *slog.Logger

	deltas chan Delta
	done   chan struct{}

	eos      chan struct{}
	eosOnce  sync.Once
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	previous string
	consumed int64
	err      error
}

// NewWorker prepares a worker; call Run to start processing.
func NewWorker(eng engine.Engine, settings Settings, obs Observer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 100 * time.Millisecond
	}
	if settings.WindowTimeout <= 0 {
		settings.WindowTimeout = 60 * time.Second
	}
	if settings.SampleRate <= 0 {
		settings.SampleRate = audio.SampleRate
	}
	return &Worker{
		eng:      eng,
		settings: settings,
		filter:   settings.Filter(),
		buf:      NewBuffer(settings.OverlapBytes()),
		obs:      obs,
		log:      logger.With("component", "stream.worker"),
		deltas:   make(chan Delta, 16),
		done:     make(chan struct{}),
		eos:      make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Write appends PCM16 audio to the session buffer.
func (w *Worker) Write(p []byte) (int, error) {
	w.buf.Append(p)
	return len(p), nil
}

// Buffered reports the bytes waiting for the next window.
func (w *Worker) Buffered() int { return w.buf.Len() }

// Deltas returns the delta channel.
func (w *Worker) Deltas() <-chan Delta { return w.deltas }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// PreviousText returns the text used as decoding context for the next window.
func (w *Worker) PreviousText() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.previous
}

// EndOfStream waits postRoll so trailing chunks can still arrive, then tells
// the worker that no more audio follows. Buffered audio is still flushed.
func (w *Worker) EndOfStream(ctx context.Context, postRoll time.Duration) {
	w.log.Info("end of audio signaled", "buffered_bytes", w.buf.Len(), "post_roll", postRoll)
	if postRoll > 0 {
		t := time.NewTimer(postRoll)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		case <-w.stop:
		}
	}
	w.eosOnce.Do(func() { close(w.eos) })
}

// Err reports the fatal engine error that stopped the worker, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Cancel makes the worker exit without flushing.
func (w *Worker) Cancel() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) endOfStream() bool {
	select {
	case <-w.eos:
		return true
	default:
		return false
	}
}

func (w *Worker) cancelled(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run processes windows until the stream ends, the worker is cancelled or
// ctx is done.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer close(w.deltas)

	threshold := w.settings.WindowBytes()
	ticker := time.NewTicker(w.settings.PollInterval)
	defer ticker.Stop()

	w.log.Info("worker started", "threshold_bytes", threshold, "buffer_s", w.settings.BufferDurationS)

	for window := 0; ; window++ {
		for w.buf.Len() < threshold && !w.endOfStream() {
			select {
			case <-ctx.Done():
				w.log.Info("worker stopped", "reason", ctx.Err())
				return
			case <-w.stop:
				w.log.Info("worker cancelled")
				return
			case <-w.eos:
			case <-ticker.C:
			}
		}
		if w.cancelled(ctx) {
			return
		}

		final := w.endOfStream()
		fresh := w.buf.Fresh()
		if w.buf.Len() == 0 || (final && fresh == 0) {
			// Only retained overlap is left; it was already transcribed.
			w.buf.Reset()
			w.log.Info("no audio left in buffer, exiting", "windows", window)
			return
		}

		pcm := w.buf.Drain(final)
		w.mu.Lock()
		w.consumed += int64(fresh)
		consumed := w.consumed
		w.mu.Unlock()

		text, segments, err := w.transcribe(ctx, pcm, window)
		if err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			w.log.Error("engine failed, stopping worker", "window", window, "error", err)
			return
		}
		if text != "" {
			if IsHallucinated(text, w.settings.MaxRepeats) {
				w.log.Warn("window discarded: hallucination detected", "window", window)
				w.obs.RecordHallucination(text)
				w.setPrevious("")
			} else {
				w.setPrevious(text)
				delta := Delta{
					Text:     text,
					Window:   window,
					AudioMs:  audio.DurationMs(int(consumed), w.settings.SampleRate),
					Segments: segments,
				}
				select {
				case w.deltas <- delta:
					w.obs.RecordDelta(text)
				case <-ctx.Done():
					return
				case <-w.stop:
					return
				}
			}
		}

		if final && w.buf.Len() == 0 {
			w.log.Info("end of audio reached, exiting", "windows", window+1)
			return
		}
	}
}

func (w *Worker) setPrevious(text string) {
	w.mu.Lock()
	w.previous = text
	w.mu.Unlock()
}

type windowResult struct {
	text     string
	segments []engine.Segment
	err      error
}

// transcribe runs one window on a separate goroutine bounded by the window
// timeout. A timeout or a per-window engine failure yields empty text; only
// an engine that can no longer run at all is reported as an error.
func (w *Worker) transcribe(ctx context.Context, pcm []byte, window int) (string, []engine.Segment, error) {
	samples := audio.PCM16ToFloat32(pcm)
	windowMs := int64(len(samples)) * 1000 / int64(w.settings.SampleRate)
	padded := audio.PadSilence(samples, w.settings.SampleRate, w.settings.EndPaddingMs)
	prompt := BuildPrompt(w.PreviousText(), w.settings.InitialPrompt)
	opts := w.settings.Options(prompt, false)

	w.log.Debug("transcribing window",
		"window", window,
		"bytes", len(pcm),
		"audio_ms", windowMs,
		"prompt_runes", len([]rune(prompt)),
	)

	callCtx, cancel := context.WithTimeout(ctx, w.settings.WindowTimeout)
	defer cancel()

	started := time.Now()
	result := make(chan windowResult, 1)
	go func() {
		var (
			parts    []string
			accepted []engine.Segment
		)
		_, err := w.eng.Transcribe(callCtx, padded, opts, func(seg engine.Segment) error {
			if ok, reason := w.filter.Accept(seg); !ok {
				if reason != ReasonEmpty {
					w.log.Warn("skipping segment", "reason", reason,
						"compression_ratio", seg.CompressionRatio,
						"avg_logprob", seg.AvgLogprob)
					w.obs.RecordDiscard(reason, seg.Text)
				}
				return nil
			}
			accepted = append(accepted, clampSegment(seg, windowMs))
			parts = append(parts, seg.Text)
			return nil
		})
		result <- windowResult{text: Join(parts), segments: accepted, err: err}
	}()

	select {
	case res := <-result:
		elapsed := time.Since(started)
		timedOut := errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil
		w.obs.RecordWindow(len(pcm), elapsed, timedOut)
		if res.err != nil {
			if isFatal(res.err) {
				return "", nil, res.err
			}
			w.log.Warn("window transcription failed, skipping", "window", window, "error", res.err)
			return "", nil, nil
		}
		return res.text, res.segments, nil
	case <-callCtx.Done():
		elapsed := time.Since(started)
		timedOut := ctx.Err() == nil
		w.obs.RecordWindow(len(pcm), elapsed, timedOut)
		if timedOut {
			w.log.Warn("window transcription timed out, skipping", "window", window, "timeout", w.settings.WindowTimeout)
		}
		return "", nil, nil
	}
}

func isFatal(err error) bool {
	return errors.Is(err, engine.ErrModelNotLoaded) || errors.Is(err, engine.ErrNativeEngineUnavailable)
}

// clampSegment keeps timestamps inside the unpadded window.
func clampSegment(seg engine.Segment, windowMs int64) engine.Segment {
	if seg.EndMs > windowMs {
		seg.EndMs = windowMs
	}
	if seg.StartMs > seg.EndMs {
		seg.StartMs = seg.EndMs
	}
	if seg.StartMs < 0 {
		seg.StartMs = 0
	}
	return seg
}
