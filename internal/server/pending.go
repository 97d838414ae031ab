package server

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

const pendingTTL = 10 * time.Minute

// pendingUpload is a file waiting for its progress socket.
type pendingUpload struct {
	SessionID int64
	Path      string
	Language  string
	Filename  string
	StartedAt time.Time
	created   time.Time
}

// pendingUploads hands uploads from the REST endpoint to the file socket.
// Entries older than the TTL are dropped along with their temp files.
type pendingUploads struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]pendingUpload
	log     *slog.Logger
}

func newPendingUploads(ttl time.Duration, logger *slog.Logger) *pendingUploads {
	return &pendingUploads{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]pendingUpload),
		log:     logger.With("component", "server.pending"),
	}
}

func (p *pendingUploads) Register(u pendingUpload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupLocked()
	u.created = p.now()
	p.entries[u.SessionID] = u
}

// Take removes and returns the upload for id.
func (p *pendingUploads) Take(id int64) (pendingUpload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupLocked()
	u, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return u, ok
}

func (p *pendingUploads) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close deletes every pending temp file.
func (p *pendingUploads) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, u := range p.entries {
		removeTemp(p.log, u.Path)
		delete(p.entries, id)
	}
}

func (p *pendingUploads) cleanupLocked() {
	now := p.now()
	for id, u := range p.entries {
		if now.Sub(u.created) > p.ttl {
			p.log.Info("dropping stale upload", "session_id", id, "file", u.Filename)
			removeTemp(p.log, u.Path)
			delete(p.entries, id)
		}
	}
}

func removeTemp(log *slog.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to delete temp file", "path", path, "error", err)
	}
}
