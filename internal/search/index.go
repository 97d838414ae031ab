// Package search indexes finished transcripts for full-text lookup.
package search

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

var errNotOpen = errors.New("search: index not initialised")

// Document is what gets indexed for one finished session.
type Document struct {
	SessionID int64     `json:"session_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Mode      string    `json:"mode"`
	DurationS float64   `json:"duration_s"`
	StartedAt time.Time `json:"started_at"`
}

// Hit is one search result.
type Hit struct {
	SessionID int64   `json:"session_id"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet,omitempty"`
	Language  string  `json:"language,omitempty"`
	Mode      string  `json:"mode,omitempty"`
}

// Filter narrows a search to a language and/or mode.
type Filter struct {
	Language string
	Mode     string
}

// Index wraps a bleve index.
type Index struct {
	mu   sync.RWMutex
	idx  bleve.Index
	path string
	log  *slog.Logger
}

// Open opens the index at path, creating it when missing. An empty path
// creates an in-memory index.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "search.index", "path", path)

	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(buildMapping())
	default:
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("search: create index parent dir: %w", mkErr)
		}
		if _, statErr := os.Stat(path); statErr == nil {
			idx, err = bleve.Open(path)
		} else if errors.Is(statErr, os.ErrNotExist) {
			idx, err = bleve.New(path, buildMapping())
		} else {
			return nil, fmt.Errorf("search: stat index: %w", statErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("search: open index: %w", err)
	}
	log.Info("transcript index ready")
	return &Index{idx: idx, path: path, log: log}, nil
}

// Close closes the index.
func (i *Index) Close() error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.idx == nil {
		return nil
	}
	err := i.idx.Close()
	i.idx = nil
	return err
}

// IndexSession adds or replaces the document of a session.
func (i *Index) IndexSession(doc Document) error {
	if strings.TrimSpace(doc.Text) == "" {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.idx == nil {
		return errNotOpen
	}
	body := map[string]any{
		"session_id": float64(doc.SessionID),
		"text":       doc.Text,
		"language":   doc.Language,
		"mode":       doc.Mode,
		"duration_s": doc.DurationS,
		"started_at": doc.StartedAt.UTC(),
	}
	if err := i.idx.Index(docID(doc.SessionID), body); err != nil {
		return fmt.Errorf("search: index session %d: %w", doc.SessionID, err)
	}
	return nil
}

// Delete removes a session from the index.
func (i *Index) Delete(sessionID int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.idx == nil {
		return errNotOpen
	}
	if err := i.idx.Delete(docID(sessionID)); err != nil {
		return fmt.Errorf("search: delete session %d: %w", sessionID, err)
	}
	return nil
}

// Count reports the number of indexed sessions.
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.idx == nil {
		return 0, errNotOpen
	}
	return i.idx.DocCount()
}

// Search runs a match query over transcript text. Results are ordered by
// relevance.
func (i *Index) Search(text string, limit int) ([]Hit, error) {
	return i.SearchFiltered(text, Filter{}, limit)
}

// SearchFiltered is Search restricted by language and mode.
func (i *Index) SearchFiltered(text string, filter Filter, limit int) ([]Hit, error) {
	q := buildQuery(text, filter)
	if q == nil {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.idx == nil {
		return nil, errNotOpen
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"session_id", "language", "mode"}
	req.Highlight = bleve.NewHighlight()
	req.Highlight.AddField("text")

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			i.log.Warn("skipping hit with foreign id", "id", h.ID)
			continue
		}
		hit := Hit{SessionID: id, Score: h.Score}
		if v, ok := h.Fields["language"].(string); ok {
			hit.Language = v
		}
		if v, ok := h.Fields["mode"].(string); ok {
			hit.Mode = v
		}
		if frags := h.Fragments["text"]; len(frags) > 0 {
			hit.Snippet = strings.Join(frags, " ... ")
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func docID(sessionID int64) string {
	return strconv.FormatInt(sessionID, 10)
}

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = "standard"

	doc := mapping.NewDocumentMapping()

	text := mapping.NewTextFieldMapping()
	text.Analyzer = "standard"
	text.Store = true
	text.IncludeTermVectors = true
	doc.AddFieldMappingsAt("text", text)

	for _, name := range []string{"language", "mode"} {
		f := mapping.NewTextFieldMapping()
		f.Analyzer = "keyword"
		f.Store = true
		f.IncludeInAll = false
		doc.AddFieldMappingsAt(name, f)
	}

	for _, name := range []string{"session_id", "duration_s"} {
		f := mapping.NewNumericFieldMapping()
		f.Store = true
		f.IncludeInAll = false
		doc.AddFieldMappingsAt(name, f)
	}

	started := mapping.NewDateTimeFieldMapping()
	started.Store = true
	started.IncludeInAll = false
	doc.AddFieldMappingsAt("started_at", started)

	im.DefaultMapping = doc
	return im
}

func buildQuery(input string, filter Filter) query.Query {
	var must []query.Query
	for _, token := range strings.Fields(input) {
		mq := query.NewMatchQuery(token)
		mq.SetField("text")
		must = append(must, mq)
	}
	if len(must) == 0 {
		return nil
	}
	if filter.Language != "" {
		tq := query.NewTermQuery(filter.Language)
		tq.SetField("language")
		must = append(must, tq)
	}
	if filter.Mode != "" {
		tq := query.NewTermQuery(filter.Mode)
		tq.SetField("mode")
		must = append(must, tq)
	}
	if len(must) == 1 {
		return must[0]
	}
	return query.NewConjunctionQuery(must)
}
