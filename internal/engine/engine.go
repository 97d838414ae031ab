package engine

import (
	"context"
	"errors"
)

// Engine transcribes a mono float32 window sampled at 16 kHz. Implementations
// must accept empty or silent input without failing and must be safe to call
// from a worker goroutine.
type Engine interface {
	// Transcribe decodes samples and calls fn for every segment in timestamp
	// order as soon as it is produced. An error returned by fn stops emission
	// and is returned to the caller.
	Transcribe(ctx context.Context, samples []float32, opts Options, fn SegmentFunc) (Info, error)
	// Close releases underlying resources.
	Close() error
}

// SegmentFunc receives segments lazily.
type SegmentFunc func(Segment) error

// Options configures decoding for a single call.
type Options struct {
	Language                string
	BeamSize                int
	VADFilter               bool
	VADMinSilenceMs         int
	InitialPrompt           string
	Temperature             float32
	RepetitionPenalty       float32
	NoRepeatNgramSize       int
	ConditionOnPreviousText bool

	// OnInfo, when set, receives the audio info before the first segment.
	OnInfo func(Info)
}

// Segment is one timestamped piece of decoded text with its quality metrics.
type Segment struct {
	Text             string
	StartMs          int64
	EndMs            int64
	CompressionRatio float64
	AvgLogprob       float64
}

// Info describes the decoded audio.
type Info struct {
	Language  string
	DurationS float64
	Device    string
}

var (
	// ErrNativeEngineUnavailable indicates the binary was built without the native backend.
	ErrNativeEngineUnavailable = errors.New("engine: native backend unavailable")
	// ErrModelNotLoaded is returned by engines used after Close.
	ErrModelNotLoaded = errors.New("engine: model not loaded")
)

const sampleRate = 16000

func durationS(samples int) float64 {
	return float64(samples) / sampleRate
}
