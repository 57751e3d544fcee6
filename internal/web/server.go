// Package web exposes the session registry over HTTP: a small JSON API for
// listing and managing sessions, and a websocket endpoint that attaches a
// browser terminal to a session as its output sink.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tchow/ptydeck/internal/logging"
	"github.com/tchow/ptydeck/internal/marker"
	"github.com/tchow/ptydeck/internal/term"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr      string
	InputRatePerSec int
	InputBurst      int
}

// Server wraps an HTTP server over a session registry.
type Server struct {
	cfg        Config
	manager    *term.Manager
	httpServer *http.Server

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// Latest marker watcher snapshot, for /api/activity.
	activityMu sync.RWMutex
	activity   marker.Snapshot
}

// NewServer creates a web server over the given registry.
func NewServer(cfg Config, manager *term.Manager) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7670"
	}
	if cfg.InputRatePerSec <= 0 {
		cfg.InputRatePerSec = 200
	}
	if cfg.InputBurst <= 0 {
		cfg.InputBurst = 400
	}

	s := &Server{cfg: cfg, manager: manager}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/activity", s.handleActivity)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	webLog.Info("web_server_starting", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}

// UpdateActivity records the latest workspace activity snapshot. Wired to
// the marker watcher's change callback.
func (s *Server) UpdateActivity(snap marker.Snapshot) {
	s.activityMu.Lock()
	s.activity = snap
	s.activityMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSessions serves GET (list) and POST (create).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		infos := make([]term.SessionInfo, 0)
		for _, id := range s.manager.List() {
			if info, ok := s.manager.Get(id); ok {
				infos = append(infos, info)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})

	case http.MethodPost:
		var req struct {
			Cwd            string            `json:"cwd"`
			Command        string            `json:"command"`
			InitialText    string            `json:"initial_text"`
			Env            map[string]string `json:"env"`
			WorkspaceID    string            `json:"workspace_id"`
			PermissionMode string            `json:"permission_mode"`
			Cols           uint16            `json:"cols"`
			Rows           uint16            `json:"rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
			return
		}
		id, err := s.manager.Create(term.CreateOptions{
			Cwd:            req.Cwd,
			Command:        req.Command,
			InitialText:    req.InitialText,
			Env:            req.Env,
			WorkspaceID:    req.WorkspaceID,
			PermissionMode: req.PermissionMode,
			Cols:           req.Cols,
			Rows:           req.Rows,
		})
		if err != nil {
			webLog.Warn("session_create_failed", slog.String("error", err.Error()))
			writeAPIError(w, http.StatusBadGateway, "SPAWN_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

// handleSessionByID serves GET (info) and DELETE (destroy).
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := pathSuffix(r.URL.Path, "/api/sessions/")
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, ok := s.manager.Get(id)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		writeJSON(w, http.StatusOK, info)

	case http.MethodDelete:
		s.manager.Destroy(id)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})

	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	s.activityMu.RLock()
	snap := s.activity
	s.activityMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":     snap.RunningIDs,
		"waiting":     snap.WaitingIDs,
		"agent_count": snap.AgentCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func pathSuffix(path, prefix string) string {
	if len(path) <= len(prefix) {
		return ""
	}
	suffix := path[len(prefix):]
	for i := 0; i < len(suffix); i++ {
		if suffix[i] == '/' {
			return ""
		}
	}
	return suffix
}

// withRecover keeps a panicking handler from killing the server.
func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("handler_panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
