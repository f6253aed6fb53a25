package holder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/cmd/identity"
	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/message"
)

var (
	ErrEmptyMessage = errors.New("holder: empty message")
	ErrNoActions    = errors.New("holder: actions unavailable")
)

// Send adds an optimistic visitor record in sending state and sends it. The record ends
// up sent or failed; the returned client-side ID names it in both cases.
func (h *Holder) Send(ctx context.Context, text string) (string, error) {
	if h.actions == nil {
		return "", ErrNoActions
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	now := h.now()
	id, err := identity.NewClientSideID(now)
	if err != nil {
		return "", fmt.Errorf("holder: send: %w", err)
	}
	rec := message.Record{
		ClientSideID:    id,
		Kind:            message.KindText,
		Sender:          message.SenderVisitor,
		Text:            text,
		TimestampMicros: now.UnixMicro(),
		SendStatus:      message.StatusSending,
		Provenance:      message.ProvenanceCurrentChat,
	}

	err = h.q.Do(ctx, func(context.Context) error {
		if h.closed {
			return ErrClosed
		}
		h.current[id] = rec.Clone()
		h.notify(changes{added: []message.Record{rec}})
		return nil
	})
	if err != nil {
		return "", err
	}

	serverID, sendErr := h.actions.SendMessage(ctx, id, text)
	_ = h.q.Do(context.WithoutCancel(ctx), func(context.Context) error {
		h.settleSend(id, serverID, sendErr)
		return nil
	})
	if sendErr != nil {
		h.log.Warn("holder.send.fail", "client_side_id", id, "err", sendErr)
		return id, fmt.Errorf("holder: send: %w", sendErr)
	}
	return id, nil
}

// settleSend moves the optimistic record out of sending state. A record already
// confirmed by history is left alone.
func (h *Holder) settleSend(id, serverID string, sendErr error) {
	cur, ok := h.current[id]
	if !ok || cur.IsSecondary() || cur.SendStatus != message.StatusSending {
		return
	}
	upd := cur.Clone()
	if sendErr != nil {
		upd.SendStatus = message.StatusFailed
	} else {
		upd.SendStatus = message.StatusSent
		if upd.ServerSideID == "" {
			upd.ServerSideID = serverID
		}
	}
	h.current[id] = upd
	h.notify(changes{changed: []history.Change{{Old: cur, New: upd}}})
}

// Edit replaces the text of a visitor record.
func (h *Holder) Edit(ctx context.Context, id, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return h.mutate(ctx, "edit", id,
		func(r message.Record) (message.Record, error) {
			if r.Sender != message.SenderVisitor || r.Kind != message.KindText {
				return r, ErrNotAllowed
			}
			r.Text = text
			r.Edited = true
			return r, nil
		},
		func(ctx context.Context, target string) error { return h.actions.EditMessage(ctx, target, text) },
	)
}

// Delete deletes a visitor record. The record stays visible as deleted until the
// server removes it.
func (h *Holder) Delete(ctx context.Context, id string) error {
	return h.mutate(ctx, "delete", id,
		func(r message.Record) (message.Record, error) {
			if r.Sender != message.SenderVisitor {
				return r, ErrNotAllowed
			}
			r.Deleted = true
			r.Text = ""
			return r, nil
		},
		func(ctx context.Context, target string) error { return h.actions.DeleteMessage(ctx, target) },
	)
}

// React sets the visitor reaction of an operator record.
func (h *Holder) React(ctx context.Context, id, reaction string) error {
	return h.mutate(ctx, "react", id,
		func(r message.Record) (message.Record, error) {
			if !r.Reaction.CanReact {
				return r, ErrNotAllowed
			}
			if r.Reaction.Visitor != "" && !r.Reaction.CanChange {
				return r, ErrNotAllowed
			}
			r.Reaction.Visitor = reaction
			return r, nil
		},
		func(ctx context.Context, target string) error { return h.actions.React(ctx, target, reaction) },
	)
}

// mutate applies fn optimistically, issues call and reverts when call fails and the
// record was not changed in between.
func (h *Holder) mutate(
	ctx context.Context,
	op, id string,
	fn func(message.Record) (message.Record, error),
	call func(ctx context.Context, target string) error,
) error {
	if h.actions == nil {
		return ErrNoActions
	}

	var before, after message.Record
	err := h.q.Do(ctx, func(ctx context.Context) error {
		if h.closed {
			return ErrClosed
		}
		rec, err := h.visible(ctx, id)
		if err != nil {
			return err
		}
		if rec.Deleted {
			return ErrNotFound
		}
		upd, err := fn(rec.Clone())
		if err != nil {
			return err
		}
		ch, existed, err := h.write(ctx, upd)
		if err != nil {
			return err
		}
		if existed {
			h.notify(changes{changed: []history.Change{ch}})
		}
		before, after = rec, upd
		return nil
	})
	if err != nil {
		return fmt.Errorf("holder: %s: %w", op, err)
	}

	target := after.ServerSideID
	if target == "" {
		target = after.ClientSideID
	}
	callErr := call(ctx, target)
	if callErr == nil {
		return nil
	}

	h.log.Warn("holder.action.revert", "op", op, "client_side_id", after.ClientSideID, "err", callErr)
	_ = h.q.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if h.closed {
			return nil
		}
		cur, err := h.visible(ctx, after.ClientSideID)
		if err != nil || !cur.Equal(after) {
			return nil
		}
		ch, existed, err := h.write(ctx, before)
		if err == nil && existed {
			h.notify(changes{changed: []history.Change{ch}})
		}
		return nil
	})
	return fmt.Errorf("holder: %s: %w", op, callErr)
}

// SetVisitorTyping reports typing state. Typing updates are throttled; the stop call
// always passes.
func (h *Holder) SetVisitorTyping(ctx context.Context, typing bool, draft string) error {
	if h.actions == nil {
		return ErrNoActions
	}
	if typing && !h.typing.Allow() {
		return nil
	}
	if err := h.actions.SetTyping(ctx, typing, draft); err != nil {
		return fmt.Errorf("holder: typing: %w", err)
	}
	return nil
}

// MarkRead persists the read-before timestamp at the newest visible record and returns it.
func (h *Holder) MarkRead(ctx context.Context) (int64, error) {
	var ts int64
	err := h.q.Do(ctx, func(ctx context.Context) error {
		if h.closed {
			return ErrClosed
		}
		page, err := h.store.Last(ctx, 1)
		if err != nil {
			return err
		}
		for _, r := range page.Records {
			ts = max(ts, r.TimestampMicros)
		}
		for _, r := range h.primaries() {
			ts = max(ts, r.TimestampMicros)
		}
		if ts == 0 {
			return nil
		}
		return h.state.SetReadBefore(ctx, ts)
	})
	return ts, err
}
