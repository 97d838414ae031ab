package stream

import (
	"strings"
	"time"

	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/engine"
)

// Settings bundles what a worker needs to cut, decode and filter windows.
type Settings struct {
	SampleRate       int
	BufferDurationS  float64
	OverlapDurationS float64
	EndPaddingMs     int

	// Language is passed to the engine; empty or "auto" requests detection.
	Language          string
	InitialPrompt     string
	BeamSize          int
	VADFilter         bool
	VADMinSilenceMs   int
	Temperature       float32
	RepetitionPenalty float32
	NoRepeatNgramSize int

	CompressionRatioThreshold float64
	LogProbThreshold          float64
	MaxRepeats                int

	WindowTimeout time.Duration
	PollInterval  time.Duration
}

// SettingsFrom derives worker settings from the service configuration.
func SettingsFrom(tc config.TranscriptionConfig, sampleRate int, language string) Settings {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	return Settings{
		SampleRate:                sampleRate,
		BufferDurationS:           tc.BufferDurationS,
		OverlapDurationS:          tc.OverlapDurationS,
		EndPaddingMs:              tc.EndPaddingMs,
		Language:                  normaliseLanguage(language),
		InitialPrompt:             tc.InitialPrompt,
		BeamSize:                  tc.BeamSize,
		VADFilter:                 tc.VADFilter,
		VADMinSilenceMs:           tc.VADMinSilenceMs,
		Temperature:               tc.Temperature,
		RepetitionPenalty:         tc.RepetitionPenalty,
		NoRepeatNgramSize:         tc.NoRepeatNgramSize,
		CompressionRatioThreshold: tc.CompressionRatioThreshold,
		LogProbThreshold:          tc.LogProbThreshold,
		MaxRepeats:                tc.HallucinationMaxRepeats,
		WindowTimeout:             tc.WindowTimeout(),
		PollInterval:              tc.PollInterval(),
	}
}

// WindowBytes is the buffered size that triggers inference.
func (s Settings) WindowBytes() int {
	return audio.WindowBytes(s.SampleRate, s.BufferDurationS)
}

// OverlapBytes is the tail retained between windows.
func (s Settings) OverlapBytes() int {
	return audio.WindowBytes(s.SampleRate, s.OverlapDurationS)
}

// Filter returns the segment quality filter.
func (s Settings) Filter() Filter {
	return Filter{
		CompressionRatioThreshold: s.CompressionRatioThreshold,
		LogProbThreshold:          s.LogProbThreshold,
	}
}

// Options returns decoding options for one call. Live windows pass the prompt
// explicitly and never condition on the engine's own running context.
func (s Settings) Options(prompt string, conditionOnPrevious bool) engine.Options {
	return engine.Options{
		Language:                s.Language,
		BeamSize:                s.BeamSize,
		VADFilter:               s.VADFilter,
		VADMinSilenceMs:         s.VADMinSilenceMs,
		InitialPrompt:           prompt,
		Temperature:             s.Temperature,
		RepetitionPenalty:       s.RepetitionPenalty,
		NoRepeatNgramSize:       s.NoRepeatNgramSize,
		ConditionOnPreviousText: conditionOnPrevious,
	}
}

func normaliseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "auto" {
		return ""
	}
	return lang
}
