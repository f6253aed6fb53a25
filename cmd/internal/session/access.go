package session

import (
	"context"

	"chatsync/cmd/internal/holder"
)

func (s *Session) check(op string) error {
	if s.State().destroyed() {
		return &AccessError{Op: op, Err: ErrDestroyed}
	}
	return nil
}

// NewTracker creates a paged message view delivering changes to l.
func (s *Session) NewTracker(ctx context.Context, l holder.Listener) (*holder.Tracker, error) {
	const op = "new_tracker"
	if err := s.check(op); err != nil {
		return nil, err
	}
	t, err := s.holder.NewTracker(ctx, l)
	return t, access(op, err)
}

// Subscribe registers l for every change of the message view.
func (s *Session) Subscribe(ctx context.Context, l holder.Listener) (*holder.Subscription, error) {
	const op = "subscribe"
	if err := s.check(op); err != nil {
		return nil, err
	}
	sub, err := s.holder.Subscribe(ctx, l)
	return sub, access(op, err)
}

// Send sends a text message and returns its client-side ID.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	const op = "send"
	if err := s.check(op); err != nil {
		return "", err
	}
	id, err := s.holder.Send(ctx, text)
	return id, access(op, err)
}

// Edit replaces the text of one of the visitor's messages.
func (s *Session) Edit(ctx context.Context, id, text string) error {
	const op = "edit"
	if err := s.check(op); err != nil {
		return err
	}
	return access(op, s.holder.Edit(ctx, id, text))
}

// Delete deletes one of the visitor's messages.
func (s *Session) Delete(ctx context.Context, id string) error {
	const op = "delete"
	if err := s.check(op); err != nil {
		return err
	}
	return access(op, s.holder.Delete(ctx, id))
}

// React sets the visitor reaction on a message.
func (s *Session) React(ctx context.Context, id, reaction string) error {
	const op = "react"
	if err := s.check(op); err != nil {
		return err
	}
	return access(op, s.holder.React(ctx, id, reaction))
}

// SetVisitorTyping reports the visitor typing state and draft.
func (s *Session) SetVisitorTyping(ctx context.Context, typing bool, draft string) error {
	const op = "set_visitor_typing"
	if err := s.check(op); err != nil {
		return err
	}
	return access(op, s.holder.SetVisitorTyping(ctx, typing, draft))
}

// MarkRead marks everything visible as read and returns the read-before timestamp.
func (s *Session) MarkRead(ctx context.Context) (int64, error) {
	const op = "mark_read"
	if err := s.check(op); err != nil {
		return 0, err
	}
	ts, err := s.holder.MarkRead(ctx)
	return ts, access(op, err)
}
