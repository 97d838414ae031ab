// Package server exposes sessions over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/search"
	"github.com/openwhisper/transcriber/internal/session"
	"github.com/openwhisper/transcriber/internal/store"
	"github.com/openwhisper/transcriber/internal/telemetry"
)

// Store is the persistence used by the routes. *store.SQLiteStore satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	CreateSession(ctx context.Context, mode, language, filename string, startedAt time.Time) (int64, error)
	GetSession(ctx context.Context, id int64) (store.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]store.Session, error)
	GetSegments(ctx context.Context, sessionID int64) ([]store.Segment, error)
	DeleteSession(ctx context.Context, id int64) (bool, error)
	UpdateSummary(ctx context.Context, id int64, summary string) error
	Previews(ctx context.Context, ids []int64, maxRunes int) (map[int64]string, error)
}

// Searcher queries the transcript index. *search.Index satisfies it.
type Searcher interface {
	SearchFiltered(text string, filter search.Filter, limit int) ([]search.Hit, error)
	Delete(sessionID int64) error
}

// Rewriter cleans up arbitrary text with the LLM.
type Rewriter interface {
	Rewrite(ctx context.Context, text, instruction string) (string, error)
}

// Deps are the collaborators of the HTTP layer. Index, Summarizer, Rewriter
// and Ready are optional.
type Deps struct {
	Config     config.Config
	Runner     *session.Runner
	Store      Store
	Index      Searcher
	Summarizer session.Summarizer
	Rewriter   Rewriter
	Metrics    *telemetry.Recorder
	// Ready reports whether a model is loaded.
	Ready func() bool
	// UploadDir receives uploaded files; defaults to the OS temp dir.
	UploadDir string
	Logger    *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps     Deps
	cfg      config.Config
	log      *slog.Logger
	router   *gin.Engine
	pending  *pendingUploads
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// New builds the router.
func New(deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("server: session runner is required")
	}
	if deps.Store == nil {
		return nil, errors.New("server: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewRecorder(logger)
	}
	if deps.UploadDir == "" {
		deps.UploadDir = filepath.Join(os.TempDir(), "openwhisper_uploads")
	}
	log := logger.With("component", "server")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		log.Warn("failed to set trusted proxies", "error", err)
	}

	s := &Server{
		deps:    deps,
		cfg:     deps.Config,
		log:     log,
		router:  router,
		pending: newPendingUploads(pendingTTL, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	router.Use(gin.Recovery(), s.requestLogger())
	s.initRoutes()
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) initRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
		api.POST("/sessions/:id/summarize", s.handleSummarize)
		api.POST("/llm/rewrite", s.handleRewrite)
		api.GET("/search", s.handleSearch)
		api.GET("/config", s.handleConfig)
		api.POST("/transcribe/file", s.handleUpload)
	}

	s.router.GET("/ws/transcribe", s.handleLiveWS)
	s.router.GET("/ws/transcribe-file/:id", s.handleFileWS)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drops pending uploads.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.pending.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Debug("http shutdown did not complete", "error", err)
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" {
			return
		}
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(started),
		)
	}
}
