// Package v1 defines the wire shapes of the visitor delta/history protocol.
//
// This package is intentionally stable and dependency-light.
// It declares what the backend sends; mapping into engine records lives in cmd/internal/message.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire message kinds.
const (
	KindVisitor          = "visitor"
	KindOperator         = "operator"
	KindInfo             = "info"
	KindFileFromVisitor  = "file_visitor"
	KindFileFromOperator = "file_operator"
	KindKeyboard         = "keyboard"
	KindKeyboardResponse = "keyboard_response"
	KindStickerVisitor   = "sticker_visitor"
	KindOperatorBusy     = "operator_busy"
	KindActionRequest    = "action_request"
	KindContactDetails   = "contact_details"
	KindBot              = "bot"
)

// Fatal service error codes (wire-stable).
const (
	ErrorAccountBlocked        = "account-blocked"
	ErrorVisitorBanned         = "visitor_banned"
	ErrorVisitorFieldsExpired  = "provided-visitor-expired"
	ErrorWrongVisitorHash      = "wrong-provided-visitor-hash"
	ErrorNotAllowed            = "not_allowed"
	ErrorReinitRequired        = "reinit-required"
	ErrorServerNotReady        = "server-not-ready"
	ErrorInvalidPageOrAuthData = "invalid-page-or-auth"
)

// MessageItem is one message record as the backend serializes it.
// Every field is optional on the wire.
type MessageItem struct {
	ClientSideID    string          `json:"clientSideId,omitempty"`
	ID              string          `json:"id,omitempty"`
	Kind            string          `json:"kind,omitempty"`
	Text            string          `json:"text,omitempty"`
	Name            string          `json:"name,omitempty"`
	AuthorID        string          `json:"authorId,omitempty"`
	Avatar          string          `json:"avatar,omitempty"`
	TimestampMicros int64           `json:"ts_m,omitempty"`
	Timestamp       float64         `json:"ts,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	Quote           *QuoteItem      `json:"quote,omitempty"`
	Reaction        string          `json:"reaction,omitempty"`
	CanReact        bool            `json:"canVisitorReact,omitempty"`
	CanChangeReact  bool            `json:"canVisitorChangeReaction,omitempty"`
	Edited          bool            `json:"modified,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
	Read            bool            `json:"read,omitempty"`
}

// QuoteItem references another message.
type QuoteItem struct {
	State   string      `json:"state,omitempty"`
	Message *QuotedItem `json:"message,omitempty"`
}

// QuotedItem is the quoted message snapshot.
type QuotedItem struct {
	ID              string `json:"id,omitempty"`
	AuthorID        string `json:"authorId,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Name            string `json:"name,omitempty"`
	Text            string `json:"text,omitempty"`
	TimestampMicros int64  `json:"ts_m,omitempty"`
}

// FileData is the payload of file_* kinds.
type FileData struct {
	File *FileItem `json:"file,omitempty"`
}

// FileItem describes an attachment descriptor.
type FileItem struct {
	State        string `json:"state,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	Filename     string `json:"filename,omitempty"`
	GUID         string `json:"guid,omitempty"`
	Size         int64  `json:"size,omitempty"`
	URL          string `json:"url,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// KeyboardData is the payload of keyboard and keyboard_response kinds.
type KeyboardData struct {
	State    string             `json:"state,omitempty"`
	Buttons  [][]KeyboardButton `json:"buttons,omitempty"`
	Response *KeyboardResponse  `json:"response,omitempty"`
	Request  *KeyboardRequest   `json:"request,omitempty"`
}

// KeyboardButton is one keyboard button.
type KeyboardButton struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

// KeyboardResponse is the chosen button of a keyboard.
type KeyboardResponse struct {
	ButtonID  string `json:"buttonId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// KeyboardRequest is the visitor's answer to a keyboard.
type KeyboardRequest struct {
	Button    KeyboardButton `json:"button"`
	MessageID string         `json:"messageId,omitempty"`
}

// StickerData is the payload of sticker kinds.
type StickerData struct {
	StickerID int `json:"stickerId"`
}

// DeltaResponse is the decoded body of a "since revision" poll.
type DeltaResponse struct {
	Revision *string       `json:"revision,omitempty"`
	HasMore  bool          `json:"hasMore"`
	Messages []MessageItem `json:"messages"`
	Deleted  []string      `json:"deleted,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Validate performs structural validation for a DeltaResponse.
// A response without a revision cannot be committed and is treated as malformed.
func (r DeltaResponse) Validate() error {
	if r.Error != "" {
		return nil
	}
	if r.Revision == nil || strings.TrimSpace(*r.Revision) == "" {
		return errors.New("missing field: revision")
	}
	for i, id := range r.Deleted {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("empty deleted id at index %d", i)
		}
	}
	return nil
}

// HistoryResponse is the decoded body of a backward history request.
type HistoryResponse struct {
	Messages []MessageItem `json:"messages"`
	HasMore  bool          `json:"hasMore"`
	Error    string        `json:"error,omitempty"`
}

// Action names (wire-stable).
const (
	ActionSendMessage   = "chat.message"
	ActionEditMessage   = "chat.edit_message"
	ActionDeleteMessage = "chat.delete_message"
	ActionReact         = "chat.react_message"
	ActionSetTyping     = "chat.visitor_typing"
)

// ActionRequest is a mutating call issued by the visitor.
type ActionRequest struct {
	Action       string `json:"action"`
	ClientSideID string `json:"clientSideId,omitempty"`
	Text         string `json:"text,omitempty"`
	Reaction     string `json:"reaction,omitempty"`
	Typing       bool   `json:"typing,omitempty"`
	Draft        string `json:"draft,omitempty"`
	DeleteDraft  bool   `json:"deleteDraft,omitempty"`
}

// ActionResponse acknowledges an ActionRequest.
type ActionResponse struct {
	Result       string `json:"result,omitempty"`
	ServerSideID string `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// InitRequest opens (or resumes) a visitor session.
type InitRequest struct {
	Account      string `json:"account"`
	Location     string `json:"location"`
	Visitor      string `json:"visitor,omitempty"`
	ChatInstance string `json:"chatInstance,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	// SessionID resumes a previously issued session when set.
	SessionID string `json:"visitSessionId,omitempty"`
}

// InitResponse carries the credentials of the session.
type InitResponse struct {
	SessionID string `json:"visitSessionId,omitempty"`
	PageID    string `json:"pageId,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Validate performs structural validation for a successful InitResponse.
func (r InitResponse) Validate() error {
	if r.Error != "" {
		return nil
	}
	if strings.TrimSpace(r.PageID) == "" {
		return errors.New("missing field: pageId")
	}
	if strings.TrimSpace(r.AuthToken) == "" {
		return errors.New("missing field: authToken")
	}
	return nil
}
