package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate  = "session.update"
	TypeSessionRemoved = "session.removed"
	TypeChatReply      = "chat.reply"
	TypeError          = "error"
)

// Client → Server message types.
const (
	TypeCLIStart     = "cli.start"
	TypeCLIStop      = "cli.stop"
	TypeCLIStatus    = "cli.status"
	TypeCLIChat      = "cli.chat"
	TypeModelsChange = "models.change"
)

// Error codes, shared by REST error bodies and WebSocket error messages.
const (
	ErrInvalidCredential = "INVALID_CREDENTIAL"
	ErrNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrUnsupportedModel  = "UNSUPPORTED_MODEL"
	ErrNotRunning        = "NOT_RUNNING"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrEmptyMessage      = "EMPTY_MESSAGE"
	ErrSessionFailed     = "SESSION_FAILED"
	ErrSessionLimit      = "SESSION_LIMIT"
	ErrInvalidRequest    = "INVALID_REQUEST"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrForbidden         = "FORBIDDEN"
	ErrInternal          = "INTERNAL"
)

// Client → Server payloads.

type ChatPayload struct {
	Message string `json:"message"`
}

type ModelChangePayload struct {
	Model string `json:"model"`
}

// Server → Client payloads.

type SessionRemovedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
