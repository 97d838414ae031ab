package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListenAddr is used when no explicit HTTP address is configured.
	DefaultListenAddr = "127.0.0.1:8001"
	// DefaultHealthAddr hosts the gRPC health service.
	DefaultHealthAddr = "127.0.0.1:8002"
	DefaultModel      = "small"
	DefaultLanguage   = "auto"
	DefaultLogLevel   = "info"
	DefaultDataDir    = "data"
	DefaultEngine     = EngineNative
)

// Engine backends selectable through configuration.
const (
	EngineStub   = "stub"
	EngineNative = "native"
	EngineHTTP   = "http"
)

// SupportedLanguages lists the language hints accepted for uploads.
var SupportedLanguages = []string{
	"fr", "en", "es", "pt", "hi", "de", "nl", "it", "ar", "ru", "zh", "ja", "ko",
}

// Config captures bootstrap configuration extracted from a YAML file, an
// injected JSON payload (`OPENWHISPER_CONFIG`) and environment overrides.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	HealthAddr  string `yaml:"health_addr" json:"health_addr"`
	LogLevel    string `yaml:"log_level" json:"log_level"`
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	Language    string `yaml:"language" json:"language"`
	Engine      string `yaml:"engine" json:"engine"`
	EngineURL   string `yaml:"engine_url" json:"engine_url"`
	ModelPath   string `yaml:"model_path" json:"model_path"`
	MaxUploadMB int    `yaml:"max_upload_size_mb" json:"max_upload_size_mb"`

	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription"`
	Audio         AudioConfig         `yaml:"audio" json:"audio"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	LLM           LLMConfig           `yaml:"llm" json:"llm"`
}

// TranscriptionConfig tunes the streaming engine and the decoder.
type TranscriptionConfig struct {
	ModelSize   string `yaml:"model_size" json:"model_size"`
	Device      string `yaml:"device" json:"device"`
	ComputeType string `yaml:"compute_type" json:"compute_type"`
	Threads     int    `yaml:"threads" json:"threads"`

	BeamSize          int     `yaml:"beam_size" json:"beam_size"`
	VADFilter         bool    `yaml:"vad_filter" json:"vad_filter"`
	VADMinSilenceMs   int     `yaml:"vad_min_silence_ms" json:"vad_min_silence_ms"`
	Temperature       float32 `yaml:"temperature" json:"temperature"`
	RepetitionPenalty float32 `yaml:"repetition_penalty" json:"repetition_penalty"`
	NoRepeatNgramSize int     `yaml:"no_repeat_ngram_size" json:"no_repeat_ngram_size"`
	InitialPrompt     string  `yaml:"initial_prompt" json:"initial_prompt"`

	BufferDurationS  float64 `yaml:"buffer_duration_s" json:"buffer_duration_s"`
	OverlapDurationS float64 `yaml:"overlap_duration_s" json:"overlap_duration_s"`
	EndPaddingMs     int     `yaml:"end_padding_ms" json:"end_padding_ms"`
	PostRollMs       int     `yaml:"post_roll_ms" json:"post_roll_ms"`

	CompressionRatioThreshold float64 `yaml:"compression_ratio_threshold" json:"compression_ratio_threshold"`
	LogProbThreshold          float64 `yaml:"log_prob_threshold" json:"log_prob_threshold"`
	HallucinationMaxRepeats   int     `yaml:"hallucination_max_repeats" json:"hallucination_max_repeats"`

	WindowTimeoutS  float64 `yaml:"window_timeout_s" json:"window_timeout_s"`
	SessionTimeoutS float64 `yaml:"session_timeout_s" json:"session_timeout_s"`
	PollIntervalMs  int     `yaml:"poll_interval_ms" json:"poll_interval_ms"`
}

// AudioConfig describes the PCM stream handed to the engine.
type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate" json:"sample_rate"`
	Channels        int    `yaml:"channels" json:"channels"`
	ChunkDurationMs int    `yaml:"chunk_duration_ms" json:"chunk_duration_ms"`
	Device          string `yaml:"device" json:"device"`
}

// StorageConfig locates the session database and the transcript index.
type StorageConfig struct {
	DBPath    string `yaml:"db_path" json:"db_path"`
	IndexPath string `yaml:"index_path" json:"index_path"`
}

// LLMConfig configures the optional finalize-time summarizer.
type LLMConfig struct {
	BaseURL       string `yaml:"base_url" json:"base_url"`
	APIKey        string `yaml:"api_key" json:"api_key"`
	Model         string `yaml:"model" json:"model"`
	AutoSummarize bool   `yaml:"auto_summarize" json:"auto_summarize"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:  DefaultListenAddr,
		HealthAddr:  DefaultHealthAddr,
		LogLevel:    DefaultLogLevel,
		DataDir:     DefaultDataDir,
		Language:    DefaultLanguage,
		Engine:      DefaultEngine,
		MaxUploadMB: 500,
		Transcription: TranscriptionConfig{
			ModelSize:                 DefaultModel,
			Device:                    "auto",
			ComputeType:               "auto",
			BeamSize:                  5,
			VADFilter:                 true,
			VADMinSilenceMs:           500,
			Temperature:               0,
			RepetitionPenalty:         1.1,
			NoRepeatNgramSize:         3,
			BufferDurationS:           3.0,
			OverlapDurationS:          0.5,
			EndPaddingMs:              300,
			PostRollMs:                400,
			CompressionRatioThreshold: 2.4,
			LogProbThreshold:          -1.0,
			HallucinationMaxRepeats:   3,
			WindowTimeoutS:            60,
			SessionTimeoutS:           300,
			PollIntervalMs:            100,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMs: 80,
			Device:          "default",
		},
		LLM: LLMConfig{
			Model: "gpt-4o-mini",
		},
	}
}

// Validate applies defaults, checks required fields, and rejects out-of-range
// values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.Engine == "" {
		c.Engine = DefaultEngine
	}
	switch c.Engine {
	case EngineStub, EngineNative:
	case EngineHTTP:
		if strings.TrimSpace(c.EngineURL) == "" {
			return fmt.Errorf("config: engine_url is required for the %q engine", EngineHTTP)
		}
	default:
		return fmt.Errorf("config: unknown engine %q", c.Engine)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("config: max_upload_size_mb must be > 0, got %d", c.MaxUploadMB)
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Storage.IndexPath == "" {
		c.Storage.IndexPath = filepath.Join(c.DataDir, "index.bleve")
	}
	if err := c.Audio.validate(); err != nil {
		return err
	}
	return c.Transcription.validate()
}

func (a *AudioConfig) validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be > 0, got %d", a.SampleRate)
	}
	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("config: channels must be 1 or 2, got %d", a.Channels)
	}
	if a.ChunkDurationMs < 20 || a.ChunkDurationMs > 500 {
		return fmt.Errorf("config: chunk_duration_ms must be within [20, 500], got %d", a.ChunkDurationMs)
	}
	return nil
}

func (t *TranscriptionConfig) validate() error {
	if t.ModelSize == "" {
		t.ModelSize = DefaultModel
	}
	switch t.Device {
	case "":
		t.Device = "auto"
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("config: device must be auto, cpu or cuda, got %q", t.Device)
	}
	switch t.ComputeType {
	case "":
		t.ComputeType = "auto"
	case "auto", "float16", "float32", "int8", "int8_float16":
	default:
		return fmt.Errorf("config: unsupported compute_type %q", t.ComputeType)
	}
	if t.Threads < 0 {
		return fmt.Errorf("config: threads must be >= 0, got %d", t.Threads)
	}
	if t.BeamSize < 1 || t.BeamSize > 20 {
		return fmt.Errorf("config: beam_size must be within [1, 20], got %d", t.BeamSize)
	}
	if t.VADMinSilenceMs < 0 {
		return fmt.Errorf("config: vad_min_silence_ms must be >= 0, got %d", t.VADMinSilenceMs)
	}
	if t.BufferDurationS < 1 || t.BufferDurationS > 10 {
		return fmt.Errorf("config: buffer_duration_s must be within [1, 10], got %g", t.BufferDurationS)
	}
	if t.OverlapDurationS < 0 || t.OverlapDurationS >= t.BufferDurationS {
		return fmt.Errorf("config: overlap_duration_s must be within [0, buffer_duration_s), got %g", t.OverlapDurationS)
	}
	if t.EndPaddingMs < 0 {
		return fmt.Errorf("config: end_padding_ms must be >= 0, got %d", t.EndPaddingMs)
	}
	if t.PostRollMs < 0 {
		return fmt.Errorf("config: post_roll_ms must be >= 0, got %d", t.PostRollMs)
	}
	if t.CompressionRatioThreshold <= 0 {
		return fmt.Errorf("config: compression_ratio_threshold must be > 0, got %g", t.CompressionRatioThreshold)
	}
	if t.HallucinationMaxRepeats < 1 {
		return fmt.Errorf("config: hallucination_max_repeats must be >= 1, got %d", t.HallucinationMaxRepeats)
	}
	if t.WindowTimeoutS <= 0 {
		t.WindowTimeoutS = 60
	}
	if t.SessionTimeoutS <= 0 {
		t.SessionTimeoutS = 300
	}
	if t.PollIntervalMs <= 0 {
		t.PollIntervalMs = 100
	}
	return nil
}

// WindowTimeout bounds a single inference call.
func (t TranscriptionConfig) WindowTimeout() time.Duration {
	return seconds(t.WindowTimeoutS)
}

// SessionTimeout bounds a live session.
func (t TranscriptionConfig) SessionTimeout() time.Duration {
	return seconds(t.SessionTimeoutS)
}

// PollInterval is the sleep between buffer threshold checks.
func (t TranscriptionConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

// PostRoll is the delay applied before end-of-stream is signalled.
func (t TranscriptionConfig) PostRoll() time.Duration {
	return time.Duration(t.PostRollMs) * time.Millisecond
}

// IsSupportedLanguage reports whether lang is an accepted language hint.
func IsSupportedLanguage(lang string) bool {
	for _, candidate := range SupportedLanguages {
		if candidate == lang {
			return true
		}
	}
	return false
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
