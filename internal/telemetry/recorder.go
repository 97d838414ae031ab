package telemetry

import (
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Recorder tracks service-level transcription counters.
type Recorder struct {
	log *slog.Logger

	totalSessions       atomic.Uint64
	activeSessions      atomic.Int64
	failedSessions      atomic.Uint64
	totalChunks         atomic.Uint64
	totalBytes          atomic.Uint64
	totalWindows        atomic.Uint64
	totalWindowTimeouts atomic.Uint64
	totalDeltas         atomic.Uint64
	totalDiscarded      atomic.Uint64
	totalHallucinations atomic.Uint64
	inferenceNanos      atomic.Int64
}

// Snapshot captures cumulative metrics recorded so far.
type Snapshot struct {
	TotalSessions       uint64        `json:"total_sessions"`
	ActiveSessions      int64         `json:"active_sessions"`
	FailedSessions      uint64        `json:"failed_sessions"`
	TotalChunks         uint64        `json:"total_chunks"`
	TotalBytes          uint64        `json:"total_bytes"`
	TotalWindows        uint64        `json:"total_windows"`
	TotalWindowTimeouts uint64        `json:"total_window_timeouts"`
	TotalDeltas         uint64        `json:"total_deltas"`
	TotalDiscarded      uint64        `json:"total_discarded_segments"`
	TotalHallucinations uint64        `json:"total_hallucinations"`
	InferenceTime       time.Duration `json:"inference_time_ns"`
}

// NewRecorder constructs a Recorder using the provided logger.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log: logger.With("component", "telemetry.Recorder"),
	}
}

// Snapshot returns an immutable view of the recorder totals.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		TotalSessions:       r.totalSessions.Load(),
		ActiveSessions:      r.activeSessions.Load(),
		FailedSessions:      r.failedSessions.Load(),
		TotalChunks:         r.totalChunks.Load(),
		TotalBytes:          r.totalBytes.Load(),
		TotalWindows:        r.totalWindows.Load(),
		TotalWindowTimeouts: r.totalWindowTimeouts.Load(),
		TotalDeltas:         r.totalDeltas.Load(),
		TotalDiscarded:      r.totalDiscarded.Load(),
		TotalHallucinations: r.totalHallucinations.Load(),
		InferenceTime:       time.Duration(r.inferenceNanos.Load()),
	}
}

// SessionMetrics accumulates statistics for a single transcription session.
// The audio relay and the buffer worker record concurrently, so every counter
// is atomic.
type SessionMetrics struct {
	recorder *Recorder
	log      *slog.Logger

	started time.Time

	chunks         atomic.Int64
	bytes          atomic.Int64
	windows        atomic.Int64
	windowTimeouts atomic.Int64
	deltas         atomic.Int64
	discarded      atomic.Int64
	hallucinations atomic.Int64
	chars          atomic.Int64
	closed         atomic.Bool
}

// StartSession initialises a SessionMetrics instance bound to the recorder.
func (r *Recorder) StartSession(sessionID, mode string, metadata map[string]string) *SessionMetrics {
	if r == nil {
		return nil
	}

	sessionLogger := r.log.With(
		"session_id", sessionID,
		"mode", mode,
	)
	if cloned := cloneMetadata(metadata); len(cloned) > 0 {
		sessionLogger = sessionLogger.With("metadata", cloned)
	}

	r.totalSessions.Add(1)
	r.activeSessions.Add(1)

	return &SessionMetrics{
		recorder: r,
		log:      sessionLogger,
		started:  time.Now(),
	}
}

// RecordChunk updates counters for an incoming audio chunk.
func (s *SessionMetrics) RecordChunk(size int) {
	if s == nil || size <= 0 {
		return
	}
	s.chunks.Add(1)
	s.bytes.Add(int64(size))
	s.recorder.totalChunks.Add(1)
	s.recorder.totalBytes.Add(uint64(size))
}

// RecordWindow stores the outcome of one inference call.
func (s *SessionMetrics) RecordWindow(size int, elapsed time.Duration, timedOut bool) {
	if s == nil {
		return
	}
	s.windows.Add(1)
	s.recorder.totalWindows.Add(1)
	s.recorder.inferenceNanos.Add(int64(elapsed))
	if timedOut {
		s.windowTimeouts.Add(1)
		s.recorder.totalWindowTimeouts.Add(1)
	}
	s.log.Debug("window transcribed",
		"bytes", size,
		"elapsed_ms", elapsed.Milliseconds(),
		"timed_out", timedOut,
	)
}

// RecordDiscard counts a segment rejected by the quality filter.
func (s *SessionMetrics) RecordDiscard(reason, text string) {
	if s == nil {
		return
	}
	s.discarded.Add(1)
	s.recorder.totalDiscarded.Add(1)
	s.log.Debug("segment discarded", "reason", reason, "chars", len(text))
}

// RecordHallucination counts a window dropped as repetitive.
func (s *SessionMetrics) RecordHallucination(text string) {
	if s == nil {
		return
	}
	s.hallucinations.Add(1)
	s.recorder.totalHallucinations.Add(1)
	s.log.Debug("window discarded as hallucination", "chars", len(text))
}

// RecordDelta stores statistics for an emitted delta.
func (s *SessionMetrics) RecordDelta(text string) {
	if s == nil {
		return
	}
	s.deltas.Add(1)
	s.chars.Add(int64(utf8.RuneCountInString(text)))
	s.recorder.totalDeltas.Add(1)
}

// Finish logs a summary and updates active session counters. Only the first
// call has an effect.
func (s *SessionMetrics) Finish(err error) {
	if s == nil {
		return
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	defer s.recorder.activeSessions.Add(-1)

	args := []any{
		"duration_ms", time.Since(s.started).Milliseconds(),
		"chunks", s.chunks.Load(),
		"bytes", s.bytes.Load(),
		"windows", s.windows.Load(),
		"window_timeouts", s.windowTimeouts.Load(),
		"deltas", s.deltas.Load(),
		"runes", s.chars.Load(),
		"discarded_segments", s.discarded.Load(),
		"hallucinations", s.hallucinations.Load(),
	}

	if err != nil {
		s.recorder.failedSessions.Add(1)
		s.log.Error("session completed with error", append(args, "error", err)...)
		return
	}

	s.log.Info("session completed", args...)
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
