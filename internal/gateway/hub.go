package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cli-gateway/internal/logger"
	"cli-gateway/internal/protocol"
	"cli-gateway/internal/session"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 64
)

// hub tracks WebSocket clients and fans registry events out to the clients
// bound to the affected session.
type hub struct {
	server   *Server
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
}

type client struct {
	hub       *hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newHub(s *Server) *hub {
	h := &hub{
		server:  s,
		clients: make(map[*client]bool),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.cfg.AllowsOrigin(origin)
		},
	}
	return h
}

// handleWebSocket upgrades a request bound to a live session.
func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.server.boundSession(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		requestLogger(r).Warn("websocket upgrade failed", "sessionId", sess.ID(), "error", err)
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		sessionID: sess.ID(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	c.sendMessage(protocol.TypeSessionUpdate, sess.Summary())

	go c.writePump()
	go c.readPump()
}

// publish forwards a registry event to the clients of its session. Clients of
// a removed session are told why and then disconnected.
func (h *hub) publish(ev session.Event) {
	var (
		msgType string
		payload any
	)
	switch ev.Type {
	case session.EventUpdated:
		msgType, payload = protocol.TypeSessionUpdate, ev.Session
	case session.EventRemoved:
		msgType, payload = protocol.TypeSessionRemoved, protocol.SessionRemovedPayload{
			SessionID: ev.Session.ID,
			Reason:    ev.Reason,
		}
	default:
		return
	}

	data, err := encode(msgType, payload)
	if err != nil {
		slog.Error("failed to encode websocket message", "type", msgType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.sessionID != ev.Session.ID {
			continue
		}
		c.enqueue(data)
		if ev.Type == session.EventRemoved {
			c.shutdown()
		}
	}
}

func (h *hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.shutdown()
}

func (h *hub) shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.shutdown()
	}
}

func (c *client) readPump() {
	defer func() {
		if p := recover(); p != nil {
			logger.LogPanic(p, "websocket read loop panicked", "sessionId", c.sessionID)
		}
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "sessionId", c.sessionID, "error", err)
			}
			return
		}

		c.handleMessage(message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		if p := recover(); p != nil {
			logger.LogPanic(p, "websocket write loop panicked", "sessionId", c.sessionID)
		}
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued before the connection closes.
func (c *client) flush() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue drops the message when the client is not keeping up.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("websocket client buffer full, dropping message", "sessionId", c.sessionID)
	}
}

func (c *client) sendMessage(msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		slog.Error("failed to encode websocket message", "type", msgType, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *client) sendError(code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		slog.Error("failed to encode websocket error", "code", code, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to encode websocket error", "code", code, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *client) sendSessionError(err error) {
	_, code := classify(err)
	c.sendError(code, err.Error())
}

// handleMessage dispatches a client command against the bound session.
// Commands that change the session are answered by the session.update the
// registry observer publishes, so only no-ops and queries reply directly.
func (c *client) handleMessage(raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	sess, err := c.hub.server.registry.Get(c.sessionID)
	if err != nil {
		c.sendError(protocol.ErrNotAuthenticated, "Not authenticated")
		c.shutdown()
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case protocol.TypeCLIStart:
		alreadyRunning, err := sess.Start(ctx)
		if err != nil {
			if errors.Is(err, session.ErrSpawnFailure) {
				c.sendError(protocol.ErrSpawnFailed, "Failed to start CLI")
			} else {
				c.sendSessionError(err)
			}
			return
		}
		if alreadyRunning {
			c.sendMessage(protocol.TypeSessionUpdate, sess.Summary())
		}

	case protocol.TypeCLIStop:
		wasRunning, err := sess.Stop()
		if err != nil {
			slog.Warn("worker stop reported an error", "sessionId", c.sessionID, "error", err)
		}
		if !wasRunning {
			c.sendMessage(protocol.TypeSessionUpdate, sess.Summary())
		}

	case protocol.TypeCLIStatus:
		c.sendMessage(protocol.TypeSessionUpdate, sess.Summary())

	case protocol.TypeCLIChat:
		var p protocol.ChatPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			return
		}
		reply, err := sess.Chat(ctx, p.Message)
		if err != nil {
			c.sendSessionError(err)
			return
		}
		c.sendMessage(protocol.TypeChatReply, reply)

	case protocol.TypeModelsChange:
		var p protocol.ModelChangePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendError(protocol.ErrInvalidMessage, err.Error())
			return
		}
		if err := sess.ChangeModel(p.Model); err != nil {
			c.sendSessionError(err)
		}
	}
}

func encode(msgType string, payload any) ([]byte, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
