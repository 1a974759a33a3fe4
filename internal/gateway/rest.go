package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cli-gateway/internal/protocol"
	"cli-gateway/internal/session"
)

type loginRequest struct {
	APIKey string `json:"api_key"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type changeModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"active_sessions": s.registry.Count(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid request body")
		return
	}

	sess, err := s.registry.Create(req.APIKey)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	if err := s.binder.bind(w, sess.ID()); err != nil {
		requestLogger(r).Error("failed to encode session cookie", "sessionId", sess.ID(), "error", err)
		_ = s.registry.Remove(sess.ID())
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "failed to bind session")
		return
	}

	requestLogger(r).Info("login", "sessionId", sess.ID())
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sess.ID(),
		"status":     "authenticated",
		"message":    "Login successful",
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.boundSession(w, r)
	if !ok {
		return
	}

	alreadyRunning, err := sess.Start(r.Context())
	switch {
	case errors.Is(err, session.ErrSpawnFailure):
		requestLogger(r).Error("worker start failed", "sessionId", sess.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrSpawnFailed, "Failed to start CLI")
		return
	case err != nil:
		writeSessionError(w, err)
		return
	case alreadyRunning:
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "CLI already running",
			"status":  string(session.StatusRunning),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "CLI started successfully",
		"status":     string(session.StatusRunning),
		"session_id": sess.ID(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.boundSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Summary())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.boundSession(w, r)
	if !ok {
		return
	}

	// A failed kill still leaves the session stopped; the failure is only logged.
	wasRunning, err := sess.Stop()
	if err != nil {
		requestLogger(r).Warn("worker stop reported an error", "sessionId", sess.ID(), "error", err)
	}
	if !wasRunning {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "CLI not running",
			"status":  string(sess.Status()),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "CLI stopped successfully",
		"status":  string(session.StatusStopped),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.boundSession(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrEmptyMessage, "Message required")
		return
	}

	reply, err := sess.Chat(r.Context(), req.Message)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.boundSession(w, r)
	if !ok {
		return
	}

	// limit=0 or no limit returns everything buffered.
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID(),
		"events":     sess.OutputTail(limit),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.registry.List(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.boundSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Models())
}

func (s *Server) handleChangeModel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.boundSession(w, r)
	if !ok {
		return
	}

	var req changeModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "Model parameter required")
		return
	}

	if err := sess.ChangeModel(req.Model); err != nil {
		writeSessionError(w, err)
		return
	}

	info := sess.Models()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Model changed to " + info.CurrentModel,
		"current_model":    info.CurrentModel,
		"available_models": info.AvailableModels,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.binder.resolve(r); ok {
		err := s.registry.Remove(id)
		if err != nil && !errors.Is(err, session.ErrNotAuthenticated) {
			requestLogger(r).Warn("logout stop reported an error", "sessionId", id, "error", err)
		}
	}
	s.binder.clear(w)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// boundSession resolves the session bound to the request cookie, writing a
// 401 when there is none.
func (s *Server) boundSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := s.binder.resolve(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, protocol.ErrNotAuthenticated, "Not authenticated")
		return nil, false
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusUnauthorized, protocol.ErrNotAuthenticated, "Not authenticated")
		return nil, false
	}
	return sess, true
}
