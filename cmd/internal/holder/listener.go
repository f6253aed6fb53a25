package holder

import (
	"context"
	"sort"
	"sync/atomic"

	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/message"
)

// Listener receives view changes on the session queue. Implementations must not block
// on session calls; hand work off to another goroutine instead.
type Listener interface {
	MessageAdded(rec message.Record)
	MessageChanged(old, rec message.Record)
	MessageRemoved(rec message.Record)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Added   func(rec message.Record)
	Changed func(old, rec message.Record)
	Removed func(rec message.Record)
}

func (f ListenerFuncs) MessageAdded(rec message.Record) {
	if f.Added != nil {
		f.Added(rec)
	}
}

func (f ListenerFuncs) MessageChanged(old, rec message.Record) {
	if f.Changed != nil {
		f.Changed(old, rec)
	}
}

func (f ListenerFuncs) MessageRemoved(rec message.Record) {
	if f.Removed != nil {
		f.Removed(rec)
	}
}

// Subscription is the handle of a registered listener.
type Subscription struct {
	h        *Holder
	id       uint64
	l        Listener
	accept   func(message.Record) bool
	canceled atomic.Bool
}

// Cancel stops delivery. It is idempotent and safe from any goroutine; no notification
// is delivered after Cancel returns.
func (s *Subscription) Cancel() {
	if s == nil || s.canceled.Swap(true) {
		return
	}
	s.h.q.Post(func(context.Context) { delete(s.h.subs, s.id) })
}

// Subscribe registers l for every change of the view.
func (h *Holder) Subscribe(ctx context.Context, l Listener) (*Subscription, error) {
	return h.subscribe(ctx, l, nil)
}

func (h *Holder) subscribe(ctx context.Context, l Listener, accept func(message.Record) bool) (*Subscription, error) {
	var sub *Subscription
	err := h.q.Do(ctx, func(context.Context) error {
		if h.closed {
			return ErrClosed
		}
		h.nextSub++
		sub = &Subscription{h: h, id: h.nextSub, l: l, accept: accept}
		h.subs[sub.id] = sub
		return nil
	})
	return sub, err
}

// notify delivers one commit: added, then changed, then removed.
func (h *Holder) notify(c changes) {
	if c.empty() {
		return
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, s := range subs {
		for _, r := range c.added {
			if s.wants(r) {
				s.l.MessageAdded(r.Clone())
			}
		}
	}
	for _, s := range subs {
		for _, ch := range c.changed {
			if s.wants(ch.New) {
				s.l.MessageChanged(ch.Old.Clone(), ch.New.Clone())
			}
		}
	}
	for _, s := range subs {
		for _, r := range c.removed {
			if s.wants(r) {
				s.l.MessageRemoved(r.Clone())
			}
		}
	}
}

func (s *Subscription) wants(r message.Record) bool {
	if s.canceled.Load() {
		return false
	}
	return s.accept == nil || s.accept(r)
}

func sortChanges(cs []history.Change) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].New.Key().Less(cs[j].New.Key()) })
}
