package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	s, err := Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	id, err := s.CreateSession(ctx, "transcription", "fr", "", started)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Mode != "transcription" || sess.Language != "fr" || sess.EndedAt != nil || sess.DurationS != nil {
		t.Fatalf("unexpected open session %+v", sess)
	}
	if !sess.StartedAt.Equal(started) {
		t.Fatalf("started_at mismatch: %v != %v", sess.StartedAt, started)
	}

	if err := s.EndSession(ctx, id, started.Add(90*time.Second), 90); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := s.UpdateSummary(ctx, id, "a short summary"); err != nil {
		t.Fatalf("UpdateSummary: %v", err)
	}
	sess, err = s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.DurationS == nil || *sess.DurationS != 90 || sess.EndedAt == nil || sess.Summary != "a short summary" {
		t.Fatalf("unexpected ended session %+v", sess)
	}
}

func TestSegmentsOrderedAndJoined(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateSession(ctx, "file", "en", "talk.wav", time.Now())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for _, seg := range []Segment{
		{SessionID: id, Text: "second", StartMs: 1000, EndMs: 2500, Confidence: -0.4},
		{SessionID: id, Text: "first", StartMs: 0, EndMs: 1000, Confidence: -0.2},
	} {
		if _, err := s.AddSegment(ctx, seg); err != nil {
			t.Fatalf("AddSegment: %v", err)
		}
	}

	segs, err := s.GetSegments(ctx, id)
	if err != nil {
		t.Fatalf("GetSegments: %v", err)
	}
	if len(segs) != 2 || segs[0].Text != "first" || segs[1].EndMs != 2500 {
		t.Fatalf("unexpected segments %+v", segs)
	}
	text, err := s.FullText(ctx, id)
	if err != nil || text != "first second" {
		t.Fatalf("FullText = %q, %v", text, err)
	}
	previews, err := s.Previews(ctx, []int64{id}, 5)
	if err != nil || previews[id] != "first" {
		t.Fatalf("Previews = %v, %v", previews, err)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil || sess.Filename != "talk.wav" {
		t.Fatalf("filename not stored: %+v, %v", sess, err)
	}
}

func TestListSessionsMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := s.CreateSession(ctx, "transcription", "en", "", base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	list, err := s.ListSessions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 || !list[0].StartedAt.After(list[1].StartedAt) {
		t.Fatalf("unexpected ordering %+v", list)
	}
	rest, err := s.ListSessions(ctx, 2, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("offset page = %+v, %v", rest, err)
	}
}

func TestDeleteCascadesSegments(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, _ := s.CreateSession(ctx, "transcription", "en", "", time.Now())
	if _, err := s.AddSegment(ctx, Segment{SessionID: id, Text: "gone"}); err != nil {
		t.Fatalf("AddSegment: %v", err)
	}

	deleted, err := s.DeleteSession(ctx, id)
	if err != nil || !deleted {
		t.Fatalf("DeleteSession = %v, %v", deleted, err)
	}
	if _, err := s.GetSession(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	segs, err := s.GetSegments(ctx, id)
	if err != nil || len(segs) != 0 {
		t.Fatalf("segments survived delete: %+v, %v", segs, err)
	}
	deleted, err = s.DeleteSession(ctx, id)
	if err != nil || deleted {
		t.Fatalf("second delete = %v, %v", deleted, err)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	s := openTestStore(t)
	err := s.EndSession(context.Background(), 42, time.Now(), 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, _ := s.CreateSession(ctx, "file", "en", "a.wav", time.Now())
	_ = s.Close()

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil || sess.Filename != "a.wav" {
		t.Fatalf("GetSession after reopen = %+v, %v", sess, err)
	}
}
