package session

import (
	"errors"
	"fmt"

	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/queue"
)

// ErrDestroyed is returned by session methods called after destruction.
var ErrDestroyed = errors.New("session: destroyed")

// AccessError is a rejected session call with a stable Op for callers and tests.
type AccessError struct {
	Op  string
	Err error
}

func (e *AccessError) Error() string { return fmt.Sprintf("session: %s: %v", e.Op, e.Err) }

func (e *AccessError) Unwrap() error { return e.Err }

// access maps errors of the session collaborators onto the session boundary.
func access(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, queue.ErrClosed), errors.Is(err, holder.ErrClosed):
		return &AccessError{Op: op, Err: ErrDestroyed}
	case errors.Is(err, holder.ErrTrackerDestroyed), errors.Is(err, holder.ErrNotFound),
		errors.Is(err, holder.ErrNotAllowed), errors.Is(err, holder.ErrEmptyMessage):
		return &AccessError{Op: op, Err: err}
	default:
		return err
	}
}
