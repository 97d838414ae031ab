package engine

// NativeOptions configures the native Whisper backend. Zero values fall back
// to the library defaults.
type NativeOptions struct {
	// Threads used by the decoder; 0 uses runtime.NumCPU.
	Threads int
	// Translate enables translation from the source language to English.
	Translate bool
	// TemperatureFallback is the temperature increment used when decoding
	// fails the library's own thresholds.
	TemperatureFallback float32
	// MaxContext bounds the number of text tokens kept from the prompt; 0
	// keeps the library default.
	MaxContext int
}

// ignoredOptions names the decoding options set in opts that the native
// backend has no counterpart for.
func ignoredOptions(opts Options) []string {
	var names []string
	if opts.VADFilter {
		names = append(names, "vad_filter")
	}
	if opts.VADMinSilenceMs > 0 {
		names = append(names, "vad_min_silence_ms")
	}
	if opts.RepetitionPenalty > 0 && opts.RepetitionPenalty != 1 {
		names = append(names, "repetition_penalty")
	}
	if opts.NoRepeatNgramSize > 0 {
		names = append(names, "no_repeat_ngram_size")
	}
	return names
}
