// Package store persists transcription sessions and their segments in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    mode        TEXT NOT NULL,
    language    TEXT NOT NULL DEFAULT 'fr',
    started_at  DATETIME NOT NULL,
    ended_at    DATETIME,
    duration_s  REAL,
    summary     TEXT,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS segments (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    text        TEXT NOT NULL,
    start_ms    INTEGER NOT NULL,
    end_ms      INTEGER,
    confidence  REAL,
    created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(session_id, start_ms);
`

// Session is one row of the sessions table.
type Session struct {
	ID        int64      `json:"id"`
	Mode      string     `json:"mode"`
	Language  string     `json:"language"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	DurationS *float64   `json:"duration_s"`
	Summary   string     `json:"summary"`
	Filename  string     `json:"filename"`
	CreatedAt time.Time  `json:"created_at"`
}

// Segment is one row of the segments table.
type Segment struct {
	ID         int64   `json:"id"`
	SessionID  int64   `json:"session_id"`
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// SQLiteStore is the session repository.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates the database file if needed, enables WAL and foreign keys and
// applies the schema and migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "store.sqlite", "path", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection keeps :memory: databases and pragma state consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	s := &SQLiteStore{db: db, log: log}
	s.migrate(ctx)
	log.Info("database initialised")
	return s, nil
}

// migrate applies versioned schema changes. Failures are logged, not fatal.
func (s *SQLiteStore) migrate(ctx context.Context) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		s.log.Warn("migration check failed", "error", err)
		return
	}
	if version < 1 {
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE sessions ADD COLUMN filename TEXT"); err != nil {
			s.log.Warn("migration v1 failed", "error", err)
			return
		}
		if _, err := s.db.ExecContext(ctx, "PRAGMA user_version = 1"); err != nil {
			s.log.Warn("migration v1 version bump failed", "error", err)
			return
		}
		s.log.Info("migration v1 applied: added filename column")
	}
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// CreateSession inserts a new open session and returns its id.
func (s *SQLiteStore) CreateSession(ctx context.Context, mode, language, filename string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (mode, language, started_at, filename) VALUES (?, ?, ?, ?)",
		mode, language, startedAt.UTC(), nullString(filename))
	if err != nil {
		return 0, fmt.Errorf("store: create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create session: %w", err)
	}
	return id, nil
}

// EndSession records the end time and duration of a session.
func (s *SQLiteStore) EndSession(ctx context.Context, id int64, endedAt time.Time, durationS float64) error {
	return s.update(ctx, "end session",
		"UPDATE sessions SET ended_at = ?, duration_s = ? WHERE id = ?",
		endedAt.UTC(), durationS, id)
}

// UpdateSummary stores the generated summary of a session.
func (s *SQLiteStore) UpdateSummary(ctx context.Context, id int64, summary string) error {
	return s.update(ctx, "update summary",
		"UPDATE sessions SET summary = ? WHERE id = ?", summary, id)
}

func (s *SQLiteStore) update(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: %s: %w", op, ErrNotFound)
	}
	return nil
}

// GetSession returns one session or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (Session, error) {
	row := s.db.QueryRowContext(ctx, sessionColumns+" WHERE id = ?", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: get session %d: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		sessionColumns+" ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, by cascade, its segments. It reports
// whether a row was deleted.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("store: delete session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: delete session %d: %w", id, err)
	}
	return n > 0, nil
}

// AddSegment appends a segment to a session.
func (s *SQLiteStore) AddSegment(ctx context.Context, seg Segment) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO segments (session_id, text, start_ms, end_ms, confidence) VALUES (?, ?, ?, ?, ?)",
		seg.SessionID, seg.Text, seg.StartMs, seg.EndMs, seg.Confidence)
	if err != nil {
		return 0, fmt.Errorf("store: add segment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add segment: %w", err)
	}
	return id, nil
}

// GetSegments returns the segments of a session in timestamp order.
func (s *SQLiteStore) GetSegments(ctx context.Context, sessionID int64) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, start_ms, COALESCE(end_ms, 0), COALESCE(confidence, 0)
		 FROM segments WHERE session_id = ? ORDER BY start_ms ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: get segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Text, &seg.StartMs, &seg.EndMs, &seg.Confidence); err != nil {
			return nil, fmt.Errorf("store: get segments: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// FullText joins the segments of a session with single spaces.
func (s *SQLiteStore) FullText(ctx context.Context, sessionID int64) (string, error) {
	segs, err := s.GetSegments(ctx, sessionID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " "), nil
}

// Previews returns the first maxRunes of each session's text, keyed by id.
func (s *SQLiteStore) Previews(ctx context.Context, ids []int64, maxRunes int) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		text, err := s.FullText(ctx, id)
		if err != nil {
			return nil, err
		}
		if r := []rune(text); maxRunes > 0 && len(r) > maxRunes {
			text = string(r[:maxRunes])
		}
		out[id] = text
	}
	return out, nil
}

const sessionColumns = `SELECT id, mode, language, started_at, ended_at, duration_s,
	COALESCE(summary, ''), COALESCE(filename, ''), created_at FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		sess     Session
		endedAt  sql.NullTime
		duration sql.NullFloat64
		created  sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.Mode, &sess.Language, &sess.StartedAt, &endedAt,
		&duration, &sess.Summary, &sess.Filename, &created); err != nil {
		return Session{}, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Float64
		sess.DurationS = &d
	}
	if created.Valid {
		sess.CreatedAt = created.Time
	}
	return sess, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
