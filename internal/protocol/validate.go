package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeCLIStart:     true,
	TypeCLIStop:      true,
	TypeCLIStatus:    true,
	TypeCLIChat:      true,
	TypeModelsChange: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Commands without arguments may omit the payload.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	switch msg.Type {
	case TypeCLIChat:
		var p ChatPayload
		if err := decodePayload(&msg, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Message) == "" {
			return nil, fmt.Errorf("missing required field 'message' in %s payload", msg.Type)
		}

	case TypeModelsChange:
		var p ModelChangePayload
		if err := decodePayload(&msg, &p); err != nil {
			return nil, err
		}
		if p.Model == "" {
			return nil, fmt.Errorf("missing required field 'model' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func decodePayload(msg *Message, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("missing 'payload' field")
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
