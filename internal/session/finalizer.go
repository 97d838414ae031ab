package session

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/openwhisper/transcriber/internal/search"
	"github.com/openwhisper/transcriber/internal/store"
)

// Store persists sessions and segments. *store.SQLiteStore satisfies it.
type Store interface {
	CreateSession(ctx context.Context, mode, language, filename string, startedAt time.Time) (int64, error)
	EndSession(ctx context.Context, id int64, endedAt time.Time, durationS float64) error
	AddSegment(ctx context.Context, seg store.Segment) (int64, error)
	UpdateSummary(ctx context.Context, id int64, summary string) error
}

// Indexer makes finished transcripts searchable. *search.Index satisfies it.
type Indexer interface {
	IndexSession(doc search.Document) error
}

// Summarizer condenses a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Record describes a session at finalization time.
type Record struct {
	SessionID int64
	Mode      string
	Language  string
	StartedAt time.Time
	EndedAt   time.Time
	DurationS float64
	Segments  []FileSegment
}

// Text joins the record's segments.
func (r Record) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, seg := range r.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Finalizer runs the collaborators invoked when a session ends. Storage
// failures are returned so they can be reported; indexing and summarization
// failures are only logged. All collaborators are optional.
type Finalizer struct {
	store         Store
	index         Indexer
	summarizer    Summarizer
	autoSummarize bool
	summaryLimit  time.Duration
	log           *slog.Logger

	wg sync.WaitGroup
}

// NewFinalizer wires the finalize-time collaborators.
func NewFinalizer(st Store, idx Indexer, sum Summarizer, autoSummarize bool, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:         st,
		index:         idx,
		summarizer:    sum,
		autoSummarize: autoSummarize,
		summaryLimit:  2 * time.Minute,
		log:           logger.With("component", "session.finalizer"),
	}
}

// Begin creates the session row. Without a store it returns 0.
func (f *Finalizer) Begin(ctx context.Context, mode, language, filename string, startedAt time.Time) (int64, error) {
	if f == nil || f.store == nil {
		return 0, nil
	}
	id, err := f.store.CreateSession(ctx, mode, language, filename, startedAt)
	if err != nil {
		return 0, DatabaseError("Failed to create session", err)
	}
	return id, nil
}

// Finalize closes the session row, stores segments, indexes the transcript
// and schedules the summary. It returns the stored segments with their ids.
func (f *Finalizer) Finalize(ctx context.Context, rec Record) ([]FileSegment, error) {
	segments := make([]FileSegment, 0, len(rec.Segments))
	for _, seg := range rec.Segments {
		if strings.TrimSpace(seg.Text) != "" {
			segments = append(segments, seg)
		}
	}
	if f == nil {
		return segments, nil
	}
	log := f.log.With("session_id", rec.SessionID)
	rec.DurationS = math.Round(rec.DurationS*100) / 100

	if f.store != nil {
		if err := f.store.EndSession(ctx, rec.SessionID, rec.EndedAt, rec.DurationS); err != nil {
			log.Error("failed to finalize session", "error", err)
			return segments, DatabaseError("Failed to save session", err)
		}
		for i := range segments {
			id, err := f.store.AddSegment(ctx, store.Segment{
				SessionID:  rec.SessionID,
				Text:       strings.TrimSpace(segments[i].Text),
				StartMs:    segments[i].StartMs,
				EndMs:      segments[i].EndMs,
				Confidence: segments[i].Confidence,
			})
			if err != nil {
				log.Error("failed to store segment", "error", err)
				return segments[:i], DatabaseError("Failed to save session", err)
			}
			segments[i].ID = id
		}
	}

	text := rec.Text()
	if text == "" {
		log.Info("session finalized without transcript", "duration_s", rec.DurationS)
		return segments, nil
	}

	if f.index != nil {
		err := f.index.IndexSession(search.Document{
			SessionID: rec.SessionID,
			Text:      text,
			Language:  rec.Language,
			Mode:      rec.Mode,
			DurationS: rec.DurationS,
			StartedAt: rec.StartedAt,
		})
		if err != nil {
			log.Warn("failed to index session", "error", err)
		}
	}

	if f.autoSummarize && f.summarizer != nil && f.store != nil {
		f.wg.Add(1)
		go f.summarize(context.WithoutCancel(ctx), rec.SessionID, text, log)
	}

	log.Info("session finalized", "duration_s", rec.DurationS, "segments", len(segments), "chars", len(text))
	return segments, nil
}

func (f *Finalizer) summarize(ctx context.Context, id int64, text string, log *slog.Logger) {
	defer f.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, f.summaryLimit)
	defer cancel()

	summary, err := f.summarizer.Summarize(ctx, text)
	if err != nil {
		log.Warn("auto-summary failed", "error", err)
		return
	}
	if summary == "" {
		return
	}
	if err := f.store.UpdateSummary(ctx, id, summary); err != nil {
		log.Warn("failed to save auto-summary", "error", err)
		return
	}
	log.Info("auto-summary generated", "chars", len(summary))
}

// Wait blocks until background summaries finish.
func (f *Finalizer) Wait() {
	if f != nil {
		f.wg.Wait()
	}
}
