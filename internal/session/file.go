package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/openwhisper/transcriber/internal/appinfo"
	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/engine"
	"github.com/openwhisper/transcriber/internal/stream"
)

// FileRequest starts a file transcription. SessionID is set when the session
// row was created at upload time; otherwise Run creates it.
type FileRequest struct {
	SessionID int64
	StartedAt time.Time
	Path      string
	Filename  string
	Language  string
	// Samples, when set, are used instead of decoding Path.
	Samples []float32
}

// FileRun is one file transcription. Cancel may be called from any
// goroutine, including from inside the consumer.
type FileRun struct {
	runner *Runner
	req    FileRequest
	out    Consumer
	log    *slog.Logger

	cancel     chan struct{}
	cancelOnce sync.Once
}

// File prepares a file transcription.
func (r *Runner) File(req FileRequest, out Consumer) *FileRun {
	req.Language = r.language(req.Language)
	if req.StartedAt.IsZero() {
		req.StartedAt = r.now()
	}
	return &FileRun{
		runner: r,
		req:    req,
		out:    out,
		log:    r.log.With("mode", ModeFile, "language", req.Language, "file", req.Filename),
		cancel: make(chan struct{}),
	}
}

// Cancel stops segment delivery. The inference call already running is left
// to finish in the background and its remaining output is discarded.
func (f *FileRun) Cancel() {
	f.cancelOnce.Do(func() { close(f.cancel) })
}

func (f *FileRun) cancelled() bool {
	select {
	case <-f.cancel:
		return true
	default:
		return false
	}
}

func (f *FileRun) emit(ev Event) {
	if ev.SessionID == 0 {
		ev.SessionID = f.req.SessionID
	}
	if err := f.out.Emit(ev); err != nil {
		f.log.Debug("could not deliver event", "type", ev.Type, "error", err)
	}
}

// Run transcribes the file, streaming accepted segments as progress events,
// then finalizes the session with the audio duration.
func (f *FileRun) Run(ctx context.Context) Result {
	r := f.runner
	if f.req.SessionID == 0 {
		id, err := r.finalizer.Begin(ctx, ModeFile, f.req.Language, f.req.Filename, f.req.StartedAt)
		if err != nil {
			f.emit(errorEvent(err))
			return Result{Language: f.req.Language, Err: err}
		}
		f.req.SessionID = id
	}
	f.log = f.log.With("session_id", f.req.SessionID)
	startedAt := f.req.StartedAt
	f.emit(Event{Type: EventSessionStarted, StartedAt: &startedAt, Language: f.req.Language})

	metrics := r.metrics.StartSession(sessionKey(f.req.SessionID), ModeFile,
		appinfo.TranscriptMetadata(r.key.ModelSize, f.req.Language, ModeFile))

	segments, duration, runErr := f.transcribe(ctx, metrics)
	if runErr != nil {
		f.log.Error("file transcription failed", "error", runErr)
		f.emit(errorEvent(runErr))
	}
	metrics.Finish(runErr)

	f.emit(Event{Type: EventStatus, State: StateFinalizing})
	stored, finErr := r.finalizer.Finalize(context.WithoutCancel(ctx), Record{
		SessionID: f.req.SessionID,
		Mode:      ModeFile,
		Language:  f.req.Language,
		StartedAt: f.req.StartedAt,
		EndedAt:   r.now(),
		DurationS: duration,
		Segments:  segments,
	})
	if finErr != nil {
		f.emit(errorEvent(finErr))
	}

	cancelled := f.cancelled()
	duration = roundSeconds(duration)
	f.emit(Event{
		Type:      EventSessionEnded,
		DurationS: duration,
		Cancelled: cancelled,
	})
	f.log.Info("file session ended", "duration_s", duration, "segments", len(segments), "cancelled", cancelled)

	return Result{
		SessionID: f.req.SessionID,
		Text:      Record{Segments: segments}.Text(),
		Language:  f.req.Language,
		DurationS: duration,
		Segments:  stored,
		Cancelled: cancelled,
		Err:       runErr,
	}
}

type fileObserver interface {
	RecordDiscard(reason, text string)
	RecordDelta(text string)
}

// transcribe runs a single inference call over the whole clip on a separate
// goroutine and relays accepted segments through a queue until the call
// finishes or the run is cancelled.
func (f *FileRun) transcribe(ctx context.Context, obs fileObserver) ([]FileSegment, float64, error) {
	r := f.runner
	samples := f.req.Samples
	if samples == nil {
		clip, err := audio.DecodeWAVFile(f.req.Path)
		if err != nil {
			return nil, 0, &Error{Code: CodeInternal, Message: "Failed to decode audio file", Err: err}
		}
		samples = clip.Samples
	}
	clipDuration := float64(len(samples)) / float64(audio.SampleRate)

	f.emit(Event{Type: EventStatus, State: StateLoadingModel})
	handle, err := r.registry.Acquire(ctx, r.key)
	if err != nil {
		return nil, clipDuration, ModelError(err)
	}
	f.emit(Event{Type: EventStatus, State: StateTranscribing, Device: handle.Device()})

	settings := stream.SettingsFrom(r.cfg.Transcription, audio.SampleRate, f.req.Language)
	filter := settings.Filter()
	opts := settings.Options(settings.InitialPrompt, true)

	var (
		infoOnce  sync.Once
		infoReady = make(chan engine.Info, 1)
		queue     = make(chan engine.Segment, 64)
		done      = make(chan error, 1)
	)
	opts.OnInfo = func(info engine.Info) {
		infoOnce.Do(func() { infoReady <- info })
	}

	go func() {
		defer handle.Release()
		defer close(queue)
		_, err := handle.Engine().Transcribe(context.WithoutCancel(ctx), samples, opts, func(seg engine.Segment) error {
			if ok, reason := filter.Accept(seg); !ok {
				if reason != stream.ReasonEmpty {
					f.log.Debug("skipping segment", "reason", reason,
						"compression_ratio", seg.CompressionRatio, "avg_logprob", seg.AvgLogprob)
					obs.RecordDiscard(reason, seg.Text)
				}
				return nil
			}
			select {
			case queue <- seg:
			case <-f.cancel:
			}
			return nil
		})
		done <- err
	}()

	duration := clipDuration
	select {
	case info := <-infoReady:
		if info.DurationS > 0 {
			duration = info.DurationS
		}
	case err := <-done:
		// Finished (or failed) without reporting info.
		done <- err
	case <-f.cancel:
	case <-ctx.Done():
		f.Cancel()
	}
	f.log.Info("transcribing file", "audio_duration_s", math.Round(duration*10)/10)

	var segments []FileSegment
	for !f.cancelled() {
		var (
			seg engine.Segment
			ok  bool
		)
		select {
		case seg, ok = <-queue:
		case <-f.cancel:
		case <-ctx.Done():
			f.Cancel()
		}
		if !ok || f.cancelled() {
			break
		}
		fs := FileSegment{
			Text:       seg.Text,
			StartMs:    seg.StartMs,
			EndMs:      seg.EndMs,
			Confidence: seg.AvgLogprob,
			Progress:   progress(seg.EndMs, duration),
		}
		segments = append(segments, fs)
		obs.RecordDelta(fs.Text)
		f.emit(Event{Type: EventProgress, Segment: &fs, Progress: fs.Progress})
	}

	if f.cancelled() {
		f.log.Info("file transcription cancelled", "segments", len(segments))
		return segments, duration, nil
	}
	if err := <-done; err != nil {
		return segments, duration, ModelError(fmt.Errorf("transcribe %s: %w", f.req.Filename, err))
	}
	return segments, duration, nil
}

// progress is the share of the audio covered by endMs, in percent.
func progress(endMs int64, durationS float64) float64 {
	if durationS <= 0 {
		return 0
	}
	p := float64(endMs) / 1000 / durationS * 100
	return math.Max(0, math.Min(100, math.Round(p*10)/10))
}

func roundSeconds(s float64) float64 {
	return math.Round(s*100) / 100
}

func sessionKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
