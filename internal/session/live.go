package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openwhisper/transcriber/internal/appinfo"
	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/stream"
	"github.com/openwhisper/transcriber/internal/telemetry"
)

// LiveRequest starts a live session.
type LiveRequest struct {
	Mode     string
	Language string
	Source   audio.Source
}

// Live is one live session. Run drives it; Stop may be called from any
// goroutine, typically on a client stop message or disconnect.
type Live struct {
	runner *Runner
	req    LiveRequest
	out    Consumer
	log    *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	state State
	id    int64
}

// Live prepares a live session.
func (r *Runner) Live(req LiveRequest, out Consumer) *Live {
	if req.Mode == "" {
		req.Mode = ModeTranscription
	}
	req.Language = r.language(req.Language)
	return &Live{
		runner: r,
		req:    req,
		out:    out,
		log:    r.log.With("mode", req.Mode, "language", req.Language),
		stop:   make(chan struct{}),
		state:  StateLoadingModel,
	}
}

// Stop requests the end of recording. Buffered audio is still transcribed.
func (l *Live) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// State reports the current lifecycle state.
func (l *Live) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SessionID is set once the session row exists.
func (l *Live) SessionID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

func (l *Live) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Live) emit(ev Event) error {
	if ev.SessionID == 0 {
		ev.SessionID = l.SessionID()
	}
	err := l.out.Emit(ev)
	if err != nil {
		l.log.Debug("could not deliver event", "type", ev.Type, "error", err)
	}
	return err
}

func (l *Live) status(s State, device string) {
	l.setState(s)
	_ = l.emit(Event{Type: EventStatus, State: s, Device: device})
}

// Run executes the session until it has ended. It always finishes with a
// session_ended event once the session row exists.
func (l *Live) Run(ctx context.Context) Result {
	r := l.runner
	defer l.req.Source.Stop()

	startedAt := r.now()
	id, err := r.finalizer.Begin(ctx, l.req.Mode, l.req.Language, "", startedAt)
	if err != nil {
		l.log.Error("failed to create session", "error", err)
		l.setState(StateError)
		_ = l.emit(errorEvent(err))
		return Result{Language: l.req.Language, Err: err}
	}
	l.mu.Lock()
	l.id = id
	l.mu.Unlock()
	l.log = l.log.With("session_id", id)
	_ = l.emit(Event{Type: EventSessionStarted, StartedAt: &startedAt, Language: l.req.Language})

	metrics := r.metrics.StartSession(sessionKey(id), l.req.Mode,
		appinfo.TranscriptMetadata(r.key.ModelSize, l.req.Language, l.req.Mode))

	text, runErr := l.record(ctx, metrics, startedAt)
	if runErr != nil {
		l.log.Error("session failed", "error", runErr)
		l.setState(StateError)
		_ = l.emit(errorEvent(runErr))
	}
	metrics.Finish(runErr)

	l.status(StateFinalizing, "")
	endedAt := r.now()
	duration := endedAt.Sub(startedAt).Seconds()
	rec := Record{
		SessionID: id,
		Mode:      l.req.Mode,
		Language:  l.req.Language,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		DurationS: duration,
	}
	if text != "" {
		rec.Segments = []FileSegment{{Text: text, StartMs: 0, EndMs: int64(duration * 1000)}}
	}
	stored, finErr := r.finalizer.Finalize(context.WithoutCancel(ctx), rec)
	for i := range stored {
		seg := stored[i]
		_ = l.emit(Event{Type: EventSegmentComplete, Segment: &seg})
	}
	if finErr != nil {
		_ = l.emit(errorEvent(finErr))
	}

	duration = roundSeconds(duration)
	_ = l.emit(Event{Type: EventSessionEnded, DurationS: duration})
	l.setState(StateEnded)
	l.log.Info("session ended", "duration_s", duration, "chars", len(text))

	return Result{
		SessionID: id,
		Text:      text,
		Language:  l.req.Language,
		DurationS: duration,
		Segments:  stored,
		Err:       runErr,
	}
}

// record borrows the model and runs the three actors until the audio is
// exhausted, the session is stopped or the session timeout elapses. It
// returns the accumulated transcript even on failure.
func (l *Live) record(ctx context.Context, metrics *telemetry.SessionMetrics, startedAt time.Time) (string, error) {
	r := l.runner
	l.status(StateLoadingModel, "")

	handle, err := r.registry.Acquire(ctx, r.key)
	if err != nil {
		return "", ModelError(err)
	}
	defer handle.Release()

	l.log.Info("model ready", "device", handle.Device(), "model", handle.Key().String())
	l.status(StateRecording, handle.Device())

	settings := stream.SettingsFrom(r.cfg.Transcription, r.cfg.Audio.SampleRate, l.req.Language)
	worker := stream.NewWorker(handle.Engine(), settings, metrics, l.log)

	sessionCtx, cancel := context.WithTimeout(ctx, r.cfg.Transcription.SessionTimeout())
	defer cancel()
	g, gctx := errgroup.WithContext(sessionCtx)

	var (
		mu     sync.Mutex
		deltas []string
	)
	g.Go(func() error {
		worker.Run(gctx)
		if err := worker.Err(); err != nil {
			return ModelError(err)
		}
		return nil
	})

	// stop listener
	g.Go(func() error {
		select {
		case <-l.stop:
			l.log.Info("stop requested")
			l.req.Source.Stop()
		case <-worker.Done():
		case <-gctx.Done():
		}
		return nil
	})

	// audio relay
	g.Go(func() error {
		chunks := 0
		for {
			select {
			case chunk, ok := <-l.req.Source.Chunks():
				if !ok {
					if err := l.req.Source.Err(); err != nil {
						return AudioError(err)
					}
					l.log.Info("audio stream ended", "chunks", chunks)
					worker.EndOfStream(gctx, r.cfg.Transcription.PostRoll())
					return nil
				}
				_, _ = worker.Write(chunk)
				metrics.RecordChunk(len(chunk))
				chunks++
				if chunks%100 == 0 {
					l.log.Debug("audio chunks relayed", "chunks", chunks)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	// delta emitter
	g.Go(func() error {
		gone := false
		for d := range worker.Deltas() {
			mu.Lock()
			deltas = append(deltas, d.Text)
			mu.Unlock()
			if gone {
				continue
			}
			err := l.emit(Event{
				Type:      EventTranscriptDelta,
				Delta:     d.Text,
				ElapsedMs: r.now().Sub(startedAt).Milliseconds(),
			})
			if err != nil {
				// The consumer went away; treat it as a disconnect and keep
				// collecting what is still in flight.
				gone = true
				l.Stop()
			}
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(sessionCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		l.log.Warn("session timed out", "timeout", r.cfg.Transcription.SessionTimeout())
	}

	mu.Lock()
	text := strings.Join(deltas, " ")
	mu.Unlock()
	return strings.TrimSpace(text), err
}
