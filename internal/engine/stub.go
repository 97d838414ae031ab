package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/openwhisper/transcriber/internal/appinfo"
)

// StubEngine produces deterministic transcripts without invoking Whisper.
// Script, when set, decides the segments returned for each call; otherwise
// windows carrying any signal yield one placeholder segment and silent
// windows yield none.
type StubEngine struct {
	Script func(samples []float32, opts Options) []Segment
	// Delay is slept before each emitted segment.
	Delay time.Duration

	log          *slog.Logger
	modelVariant string

	mu      sync.Mutex
	calls   int
	last    Options
	samples int
	closed  bool
}

// NewStubEngine returns an Engine that generates placeholder transcripts.
func NewStubEngine(logger *slog.Logger, modelVariant string) *StubEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEngine{
		log: logger.With(
			"component", "engine.stub",
			"service", appinfo.Info.Slug,
			"model_variant", modelVariant,
		),
		modelVariant: modelVariant,
	}
}

// Close implements the Engine interface.
func (e *StubEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Calls reports how many times Transcribe ran.
func (e *StubEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// LastOptions returns the options of the most recent call.
func (e *StubEngine) LastOptions() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// LastSamples returns the sample count of the most recent call.
func (e *StubEngine) LastSamples() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples
}

// Transcribe implements the Engine interface.
func (e *StubEngine) Transcribe(ctx context.Context, samples []float32, opts Options, fn SegmentFunc) (Info, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Info{}, ErrModelNotLoaded
	}
	e.calls++
	e.last = opts
	e.samples = len(samples)
	e.mu.Unlock()

	info := Info{
		Language:  normaliseLanguage(opts.Language, "en"),
		DurationS: durationS(len(samples)),
		Device:    "cpu",
	}
	if opts.OnInfo != nil {
		opts.OnInfo(info)
	}

	var segments []Segment
	if e.Script != nil {
		segments = e.Script(samples, opts)
	} else if peak(samples) > 0.01 {
		ms := int64(info.DurationS * 1000)
		segments = []Segment{{
			Text:             fmt.Sprintf("[stub:%s] %d ms of audio", e.modelVariant, ms),
			StartMs:          0,
			EndMs:            ms,
			CompressionRatio: 1.0,
			AvgLogprob:       -0.2,
		}}
	}
	e.log.Debug("stub transcript", "samples", len(samples), "segments", len(segments), "language", info.Language)

	for _, seg := range segments {
		if e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				return info, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return info, err
		}
		if fn == nil {
			continue
		}
		if err := fn(seg); err != nil {
			return info, err
		}
	}
	return info, nil
}

func peak(samples []float32) float64 {
	var max float64
	for _, s := range samples {
		if v := math.Abs(float64(s)); v > max {
			max = v
		}
	}
	return max
}
