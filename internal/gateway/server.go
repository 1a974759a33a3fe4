package gateway

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"cli-gateway/internal/config"
	"cli-gateway/internal/logger"
	"cli-gateway/internal/protocol"
	"cli-gateway/internal/session"
)

// Server exposes the session registry over REST, WebSocket and SSE.
type Server struct {
	cfg      config.Config
	registry *session.Registry
	binder   *binder
	hub      *hub
	feed     *feed
}

// New creates a gateway server and subscribes it to registry events.
func New(cfg config.Config, registry *session.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		binder:   newBinder(cfg.SecretKey, cfg.CookieSecure),
		feed:     newFeed(),
	}
	s.hub = newHub(s)
	registry.SetObserver(s.onEvent)
	return s
}

// Handler returns an http.Handler with all routes configured. Routes are
// served at the root and under /api.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /cli/start", s.handleStart)
	mux.HandleFunc("GET /cli/status", s.handleStatus)
	mux.HandleFunc("POST /cli/stop", s.handleStop)
	mux.HandleFunc("POST /cli/chat", s.handleChat)
	mux.HandleFunc("GET /cli/output", s.handleOutput)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("POST /models/change", s.handleChangeModel)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /sessions", s.adminOnly(s.handleListSessions))
	mux.HandleFunc("GET /events", s.adminOnly(s.handleEvents))
	mux.HandleFunc("GET /ws", s.hub.handleWebSocket)

	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", mux))
	root.Handle("/", mux)

	return s.corsMiddleware(requestLogMiddleware(root))
}

// Shutdown closes WebSocket clients and the SSE feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.shutdown()
	return s.feed.shutdown(ctx)
}

func (s *Server) onEvent(ev session.Event) {
	s.hub.publish(ev)
	s.feed.publish(ev)
}

// corsMiddleware echoes allowed origins. Credentials are allowed because the
// session binding is a cookie, which rules out a literal "*".
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.cfg.AllowsOrigin(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// adminOnly gates an endpoint behind the admin bearer token. Without a
// configured token the endpoint is closed.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	token := s.cfg.AdminToken
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeError(w, http.StatusForbidden, protocol.ErrForbidden, "admin endpoints are disabled")
			return
		}

		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusForbidden, protocol.ErrForbidden, "invalid authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			writeError(w, http.StatusForbidden, protocol.ErrForbidden, "invalid token")
			return
		}

		next(w, r)
	}
}

type ctxKey struct{}

// requestLogMiddleware attaches a request-scoped logger and logs each request.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logger.NewRequestLogger()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, log)))

		log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func requestLogger(r *http.Request) *slog.Logger {
	if log, ok := r.Context().Value(ctxKey{}).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}

// statusRecorder captures the response status while still allowing
// WebSocket hijacking and SSE flushing.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// writeSessionError maps a session error onto an HTTP status and error code.
func writeSessionError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidCredential):
		return http.StatusBadRequest, protocol.ErrInvalidCredential
	case errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, protocol.ErrNotAuthenticated
	case errors.Is(err, session.ErrUnsupportedModel):
		return http.StatusBadRequest, protocol.ErrUnsupportedModel
	case errors.Is(err, session.ErrNotRunning):
		return http.StatusBadRequest, protocol.ErrNotRunning
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest, protocol.ErrEmptyMessage
	case errors.Is(err, session.ErrSpawnFailure):
		return http.StatusInternalServerError, protocol.ErrSpawnFailed
	case errors.Is(err, session.ErrSessionFailed):
		return http.StatusConflict, protocol.ErrSessionFailed
	case errors.Is(err, session.ErrSessionLimit):
		return http.StatusServiceUnavailable, protocol.ErrSessionLimit
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}
