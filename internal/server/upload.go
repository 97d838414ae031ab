package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openwhisper/transcriber/internal/config"
	"github.com/openwhisper/transcriber/internal/session"
)

// acceptedExtensions lists the upload formats the decoder understands.
var acceptedExtensions = map[string]bool{
	".wav":  true,
	".wave": true,
}

var errTooLarge = errors.New("upload too large")

func supportedLanguages() []string {
	return append([]string{"auto"}, config.SupportedLanguages...)
}

func languageAllowed(lang string) bool {
	return lang == "auto" || config.IsSupportedLanguage(lang)
}

func (s *Server) handleUpload(c *gin.Context) {
	maxBytes := int64(s.cfg.MaxUploadMB) * 1024 * 1024
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+1024*1024)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("File too large (max %d MB)", s.cfg.MaxUploadMB)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected a multipart form"})
		return
	}

	language := c.DefaultPostForm("language", s.cfg.Language)
	if !languageAllowed(language) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Unsupported language: %s. Supported: %s", language, strings.Join(supportedLanguages(), ", ")),
		})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file"})
		return
	}
	defer file.Close()

	filename := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	if filename == "" || filename == "." || filename == "/" {
		filename = "unknown"
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !acceptedExtensions[ext] {
		accepted := make([]string, 0, len(acceptedExtensions))
		for e := range acceptedExtensions {
			accepted = append(accepted, e)
		}
		sort.Strings(accepted)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Unsupported file format: %s. Accepted: %s", ext, strings.Join(accepted, ", ")),
		})
		return
	}

	path, err := s.saveUpload(file, filename, maxBytes)
	if errors.Is(err, errTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("File too large (max %d MB)", s.cfg.MaxUploadMB)})
		return
	}
	if err != nil {
		s.log.Error("failed to save upload", "file", filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save uploaded file"})
		return
	}

	startedAt := time.Now().UTC()
	id, err := s.deps.Store.CreateSession(c.Request.Context(), session.ModeFile, language, filename, startedAt)
	if err != nil {
		removeTemp(s.log, path)
		s.internalError(c, "create session", err)
		return
	}
	s.pending.Register(pendingUpload{
		SessionID: id,
		Path:      path,
		Language:  language,
		Filename:  filename,
		StartedAt: startedAt,
	})
	s.log.Info("file uploaded for transcription", "file", filename, "session_id", id)
	c.JSON(http.StatusOK, gin.H{"session_id": id, "status": "pending"})
}

// saveUpload streams src into the upload dir, failing once more than
// maxBytes were read.
func (s *Server) saveUpload(src io.Reader, filename string, maxBytes int64) (string, error) {
	if err := os.MkdirAll(s.deps.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("server: create upload dir: %w", err)
	}
	path := filepath.Join(s.deps.UploadDir, uuid.NewString()+"_"+filename)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("server: create temp file: %w", err)
	}
	n, err := io.Copy(dst, io.LimitReader(src, maxBytes+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > maxBytes {
		err = errTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
