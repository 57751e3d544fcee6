package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type wsClientMessage struct {
	Type string `json:"type"` // input, resize
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type      string    `json:"type"` // status, error
	Event     string    `json:"event,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes to one websocket connection. Session output
// flushes and server status messages come from different goroutines.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// WriteOutput sends batched terminal output as a binary frame. This is the
// registry's sink interface: a failed write after disconnect is reported as
// an error and discarded upstream.
func (w *wsConnWriter) WriteOutput(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// handleSessionWS upgrades the connection and attaches it to the session as
// its output sink. Input and resize messages flow back to the registry.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	sessionID := pathSuffix(r.URL.Path, "/ws/session/")
	if sessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}
	if _, ok := s.manager.Get(sessionID); !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		webLog.Warn("ws_upgrade_failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	if !s.manager.Reattach(sessionID, writer) {
		_ = writer.WriteJSON(wsServerMessage{
			Type:    "error",
			Code:    "NOT_FOUND",
			Message: "session disappeared",
			Time:    time.Now().UTC(),
		})
		return
	}

	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "attached",
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	})
	webLog.Info("ws_attached", slog.String("session", sessionID))

	limiter := rate.NewLimiter(rate.Limit(s.cfg.InputRatePerSec), s.cfg.InputBurst)

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			webLog.Debug("ws_closed",
				slog.String("session", sessionID),
				slog.String("error", err.Error()),
			)
			return
		}

		switch msg.Type {
		case "input":
			if !limiter.Allow() {
				_ = writer.WriteJSON(wsServerMessage{
					Type:    "error",
					Code:    "RATE_LIMITED",
					Message: "input rate exceeded",
					Time:    time.Now().UTC(),
				})
				continue
			}
			if msg.Data != "" {
				s.manager.Write(sessionID, []byte(msg.Data))
			}

		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				s.manager.Resize(sessionID, uint16(msg.Cols), uint16(msg.Rows))
			}

		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:    "error",
				Code:    "INVALID_REQUEST",
				Message: "unknown message type",
				Time:    time.Now().UTC(),
			})
		}
	}
}
