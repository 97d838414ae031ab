package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openwhisper/transcriber/internal/appinfo"
	"github.com/openwhisper/transcriber/internal/search"
	"github.com/openwhisper/transcriber/internal/store"
)

const previewRunes = 160

type sessionView struct {
	store.Session
	Preview   string   `json:"preview"`
	Relevance *float64 `json:"relevance,omitempty"`
	Snippet   string   `json:"snippet,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{}
	overall := "healthy"

	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		checks["database"] = gin.H{"status": "error", "message": err.Error()}
		overall = "unhealthy"
	} else {
		checks["database"] = gin.H{"status": "ok"}
	}

	modelStatus := "not_loaded"
	if s.deps.Ready != nil && s.deps.Ready() {
		modelStatus = "loaded"
	}
	checks["model"] = gin.H{"status": modelStatus, "model_size": s.cfg.Transcription.ModelSize}
	checks["search"] = gin.H{"status": enabled(s.deps.Index != nil)}
	checks["llm"] = gin.H{"status": enabled(s.deps.Summarizer != nil)}

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  overall,
		"service": appinfo.Info.Slug,
		"version": appinfo.Version(),
		"checks":  checks,
		"metrics": s.deps.Metrics.Snapshot(),
	})
}

func enabled(ok bool) string {
	if ok {
		return "ok"
	}
	return "disabled"
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"language":            s.cfg.Language,
		"supported_languages": supportedLanguages(),
		"audio": gin.H{
			"sample_rate":       s.cfg.Audio.SampleRate,
			"channels":          s.cfg.Audio.Channels,
			"chunk_duration_ms": s.cfg.Audio.ChunkDurationMs,
		},
		"transcription": gin.H{
			"model_size":        s.cfg.Transcription.ModelSize,
			"buffer_duration_s": s.cfg.Transcription.BufferDurationS,
			"beam_size":         s.cfg.Transcription.BeamSize,
		},
		"max_upload_size_mb": s.cfg.MaxUploadMB,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	sessions, err := s.deps.Store.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		s.internalError(c, "list sessions", err)
		return
	}
	views, err := s.withPreviews(c, sessions)
	if err != nil {
		s.internalError(c, "load previews", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sess, err := s.deps.Store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		s.internalError(c, "get session", err)
		return
	}
	segments, err := s.deps.Store.GetSegments(ctx, id)
	if err != nil {
		s.internalError(c, "get segments", err)
		return
	}
	if segments == nil {
		segments = []store.Segment{}
	}
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, seg.Text)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":   sess,
		"segments":  segments,
		"full_text": strings.Join(parts, " "),
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	deleted, err := s.deps.Store.DeleteSession(c.Request.Context(), id)
	if err != nil {
		s.internalError(c, "delete session", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if s.deps.Index != nil {
		if err := s.deps.Index.Delete(id); err != nil {
			s.log.Warn("failed to delete session from index", "session_id", id, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "session_id": id})
}

func (s *Server) handleSummarize(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	if s.deps.Summarizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "LLM is not configured"})
		return
	}
	ctx := c.Request.Context()
	if _, err := s.deps.Store.GetSession(ctx, id); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	} else if err != nil {
		s.internalError(c, "get session", err)
		return
	}
	segments, err := s.deps.Store.GetSegments(ctx, id)
	if err != nil {
		s.internalError(c, "get segments", err)
		return
	}
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, seg.Text)
	}
	text := strings.Join(parts, " ")
	if strings.TrimSpace(text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Session has no text to summarize"})
		return
	}
	summary, err := s.deps.Summarizer.Summarize(ctx, text)
	if err != nil {
		s.log.Warn("summarize failed", "session_id", id, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Summarization failed"})
		return
	}
	if err := s.deps.Store.UpdateSummary(ctx, id, summary); err != nil {
		s.internalError(c, "update summary", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "summary": summary})
}

type rewriteRequest struct {
	Text        string `json:"text"`
	Instruction string `json:"instruction"`
}

func (s *Server) handleRewrite(c *gin.Context) {
	if s.deps.Rewriter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "LLM is not configured"})
		return
	}
	var req rewriteRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No text provided"})
		return
	}
	rewritten, err := s.deps.Rewriter.Rewrite(c.Request.Context(), req.Text, req.Instruction)
	if err != nil {
		s.log.Warn("rewrite failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "LLM request failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"original": req.Text, "rewritten": rewritten})
}

func (s *Server) handleSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	limit := queryInt(c, "limit", 50)
	if q == "" {
		s.handleListSessions(c)
		return
	}
	if s.deps.Index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Search index is not available"})
		return
	}
	hits, err := s.deps.Index.SearchFiltered(q, search.Filter{
		Language: c.Query("language"),
		Mode:     c.Query("mode"),
	}, limit)
	if err != nil {
		s.internalError(c, "search", err)
		return
	}

	ctx := c.Request.Context()
	views := make([]sessionView, 0, len(hits))
	for _, hit := range hits {
		sess, err := s.deps.Store.GetSession(ctx, hit.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.internalError(c, "search", err)
			return
		}
		score := math.Round(hit.Score*10000) / 10000
		views = append(views, sessionView{Session: sess, Relevance: &score, Snippet: hit.Snippet})
	}
	ids := make([]int64, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}
	previews, err := s.deps.Store.Previews(ctx, ids, previewRunes)
	if err != nil {
		s.internalError(c, "load previews", err)
		return
	}
	for i := range views {
		views[i].Preview = previews[views[i].ID]
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) withPreviews(c *gin.Context, sessions []store.Session) ([]sessionView, error) {
	ids := make([]int64, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	previews, err := s.deps.Store.Previews(c.Request.Context(), ids, previewRunes)
	if err != nil {
		return nil, err
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{Session: sess, Preview: previews[sess.ID]})
	}
	return views, nil
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error("request failed", "op", op, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
