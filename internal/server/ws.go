package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/openwhisper/transcriber/internal/audio"
	"github.com/openwhisper/transcriber/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

// clientMessage is any message sent by a client.
type clientMessage struct {
	Type     string `json:"type"`
	Mode     string `json:"mode,omitempty"`
	Language string `json:"language,omitempty"`
	// Data carries base64 PCM16 for "audio" messages.
	Data string `json:"data,omitempty"`
}

// wsConn serializes writes to a websocket; it implements session.Consumer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) Emit(ev session.Event) error {
	return w.send(ev)
}

func (w *wsConn) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) sendError(code, message string) {
	_ = w.send(session.Event{Type: session.EventError, Code: code, Message: message})
}

func (w *wsConn) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = w.conn.Close()
}

func (s *Server) upgrade(c *gin.Context) (*wsConn, bool) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return nil, false
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}, true
}

// liveSession is the session currently bound to a live socket.
type liveSession struct {
	live   *session.Live
	source *audio.ChanSource
	done   chan session.Result
}

func (l *liveSession) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// handleLiveWS speaks the live protocol: the client sends
// {"type":"start","mode":"transcription","language":"fr"}, then "audio"
// messages with base64 PCM16, then {"type":"stop"} or disconnects. Deltas and
// lifecycle events stream back until session_ended.
func (s *Server) handleLiveWS(c *gin.Context) {
	ws, ok := s.upgrade(c)
	if !ok {
		return
	}
	defer ws.close()
	log := s.log.With("remote", c.Request.RemoteAddr)
	log.Info("websocket client connected")

	ctx := c.Request.Context()
	var current *liveSession
	defer func() {
		if current != nil {
			current.live.Stop()
			<-current.done
		}
	}()

	for {
		var msg clientMessage
		if err := ws.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "error", err)
			} else {
				log.Info("websocket client disconnected")
			}
			return
		}
		if current != nil && current.finished() {
			current = nil
		}

		switch msg.Type {
		case "start":
			if current != nil {
				ws.sendError(session.CodeInternal, "A session is already running")
				continue
			}
			language := msg.Language
			if language != "" && !languageAllowed(language) {
				ws.sendError(session.CodeInternal, "Unsupported language: "+language)
				continue
			}
			current = s.startLive(ctx, ws, msg.Mode, language, log)
		case "audio":
			if current == nil {
				continue
			}
			pcm, err := audio.DecodeBase64(msg.Data)
			if err != nil {
				log.Debug("dropping malformed audio message", "error", err)
				continue
			}
			if err := current.source.Push(ctx, pcm); err != nil && !errors.Is(err, audio.ErrSourceClosed) {
				log.Warn("failed to queue audio", "error", err)
			}
		case "stop":
			if current != nil {
				current.live.Stop()
			}
		default:
			log.Debug("ignoring message", "type", msg.Type)
		}
	}
}

func (s *Server) startLive(ctx context.Context, ws *wsConn, mode, language string, log *slog.Logger) *liveSession {
	source := audio.NewChanSource(256)
	live := s.deps.Runner.Live(session.LiveRequest{Mode: mode, Language: language, Source: source}, ws)
	ls := &liveSession{live: live, source: source, done: make(chan session.Result, 1)}
	log.Info("starting live session", "mode", mode, "language", language)
	go func() {
		ls.done <- live.Run(context.WithoutCancel(ctx))
	}()
	return ls
}

// handleFileWS streams progress for an uploaded file. The client may send
// {"type":"cancel"} at any time; disconnecting cancels too.
func (s *Server) handleFileWS(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}
	ws, ok := s.upgrade(c)
	if !ok {
		return
	}
	defer ws.close()
	log := s.log.With("session_id", id)

	upload, found := s.pending.Take(id)
	if !found {
		ws.sendError(session.CodeInternal, "No pending transcription for this session")
		return
	}
	defer removeTemp(log, upload.Path)

	run := s.deps.Runner.File(session.FileRequest{
		SessionID: upload.SessionID,
		StartedAt: upload.StartedAt,
		Path:      upload.Path,
		Filename:  upload.Filename,
		Language:  upload.Language,
	}, ws)

	go func() {
		for {
			var msg clientMessage
			if err := ws.conn.ReadJSON(&msg); err != nil {
				run.Cancel()
				return
			}
			if msg.Type == "cancel" {
				log.Info("file transcription cancelled by client")
				run.Cancel()
			}
		}
	}()

	res := run.Run(context.WithoutCancel(c.Request.Context()))
	log.Info("file transcription finished", "segments", len(res.Segments), "cancelled", res.Cancelled)
}
