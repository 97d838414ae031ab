// Package session drives transcription sessions: the live state machine fed
// by an audio source and the file pipeline over a complete recording.
package session

import (
	"log/slog"
	"time"

	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/engine"
	"github.com/openwhisper/transcriber/internal/telemetry"
)

// Modes recorded with each session.
const (
	ModeTranscription = "transcription"
	ModeFile          = "file"
)

// Runner creates sessions sharing one model registry and one set of
// finalize-time collaborators.
type Runner struct {
	cfg       config.Config
	registry  *engine.Registry
	key       engine.Key
	finalizer *Finalizer
	metrics   *telemetry.Recorder
	log       *slog.Logger
	now       func() time.Time
}

// NewRunner returns a Runner. key selects the model borrowed by sessions.
func NewRunner(cfg config.Config, registry *engine.Registry, key engine.Key, finalizer *Finalizer, metrics *telemetry.Recorder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		registry:  registry,
		key:       key,
		finalizer: finalizer,
		metrics:   metrics,
		log:       logger.With("component", "session.runner"),
		now:       time.Now,
	}
}

// Result summarizes a finished session.
type Result struct {
	SessionID int64
	Text      string
	Language  string
	DurationS float64
	Segments  []FileSegment
	Cancelled bool
	// Err is the session-fatal error, if any. Finalize-time storage errors
	// are reported to the consumer but not here.
	Err error
}

func (r *Runner) language(override string) string {
	if override != "" {
		return override
	}
	return r.cfg.Language
}
