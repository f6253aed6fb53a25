package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LiveVersion is the live-event protocol version embedded into every envelope.
const LiveVersion = "v1"

// Live event types (server -> visitor).
const (
	// TypeRevision announces a new server revision out of the poll cycle.
	TypeRevision = "revision"
	// TypeChatMessage carries a message of the current chat window.
	TypeChatMessage = "chat_message"
	// TypeChatMessageChanged carries an updated message of the current chat window.
	TypeChatMessageChanged = "chat_message_changed"
	// TypeError carries a service error code (fatal codes end the session).
	TypeError = "error"
)

// LiveEnvelope is the canonical live-event wrapper.
type LiveEnvelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for a LiveEnvelope.
func (e LiveEnvelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != LiveVersion {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case TypeRevision, TypeChatMessage, TypeChatMessageChanged, TypeError:
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	return nil
}

// RevisionPayload is the payload of TypeRevision.
type RevisionPayload struct {
	Revision string `json:"revision"`
}

// ChatMessagePayload is the payload of TypeChatMessage and TypeChatMessageChanged.
type ChatMessagePayload struct {
	Message MessageItem `json:"message"`
}

// ErrorPayload is the payload of TypeError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
