// Package transport is the network collaborator of a session: delta polling, backward
// history, mutating actions and live events.
package transport

import (
	"context"
	"errors"
	"fmt"

	v1 "chatsync/shared/contracts/delta/v1"
)

// DeltaBatch is the decoded response of one delta poll.
type DeltaBatch struct {
	Revision string
	HasMore  bool
	Messages []v1.MessageItem
	// Deleted holds server-side IDs of hard-deleted messages.
	Deleted []string
}

// HistoryBatch is the decoded response of one backward-history request.
type HistoryBatch struct {
	Messages []v1.MessageItem
	HasMore  bool
}

// Credentials authenticate every request of a session.
type Credentials struct {
	SessionID string
	PageID    string
	AuthToken string
}

// Poller issues delta polls. An empty since polls from the beginning.
type Poller interface {
	Poll(ctx context.Context, since string) (DeltaBatch, error)
}

// HistoryFetcher issues backward-history requests for messages strictly older than
// beforeMicros (0 means "the newest page").
type HistoryFetcher interface {
	FetchBefore(ctx context.Context, beforeMicros int64, limit int) (HistoryBatch, error)
}

// Actions issues mutating chat calls.
type Actions interface {
	SendMessage(ctx context.Context, clientSideID, text string) (serverSideID string, err error)
	EditMessage(ctx context.Context, id, text string) error
	DeleteMessage(ctx context.Context, id string) error
	React(ctx context.Context, id, reaction string) error
	SetTyping(ctx context.Context, typing bool, draft string) error
}

// Authenticator opens a session and returns its credentials.
type Authenticator interface {
	Init(ctx context.Context, req v1.InitRequest) (Credentials, error)
}

// EventType is the type of a live event.
type EventType string

const (
	EventRevision       EventType = "revision"
	EventMessage        EventType = "message"
	EventMessageChanged EventType = "message_changed"
	EventError          EventType = "error"
)

// Event is one decoded live event.
type Event struct {
	Type     EventType
	Revision string
	Message  v1.MessageItem
	// Err is set for EventError; fatal codes are *FatalError.
	Err error
}

// LiveEvents streams live events until ctx is done or the connection drops.
// Subscribe blocks; onEvent runs on the reader goroutine.
type LiveEvents interface {
	Subscribe(ctx context.Context, onEvent func(Event)) error
}

// ErrDecode marks a structurally malformed server payload.
var ErrDecode = errors.New("transport: malformed payload")

// DecodeError wraps a payload decode or validation failure.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("transport: %s: decode: %v", e.Op, e.Err) }

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// ErrFatal marks service errors that end the session.
var ErrFatal = errors.New("transport: fatal service error")

// FatalError is a service error that ends the session (no retry).
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "transport: fatal service error: " + e.Reason }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// ServiceError is a non-fatal error code returned by the service.
type ServiceError struct {
	Op   string
	Code string
}

func (e *ServiceError) Error() string { return fmt.Sprintf("transport: %s: service error %q", e.Op, e.Code) }

// IsFatalReason reports whether a service error code ends the session.
func IsFatalReason(code string) bool {
	switch code {
	case v1.ErrorAccountBlocked,
		v1.ErrorVisitorBanned,
		v1.ErrorVisitorFieldsExpired,
		v1.ErrorWrongVisitorHash,
		v1.ErrorNotAllowed:
		return true
	default:
		return false
	}
}

// serviceError converts a response error code into a typed error (nil for "").
func serviceError(op, code string) error {
	if code == "" {
		return nil
	}
	if IsFatalReason(code) {
		return &FatalError{Reason: code}
	}
	return &ServiceError{Op: op, Code: code}
}
