// Package holder owns the visible message view of one session: it commits reconciler
// batches into history storage, tracks the live current-chat window, resolves provenance
// transitions between the two, serves paged reads to trackers and applies visitor actions
// optimistically.
//
// Every unexported method runs on the session queue. Exported methods that may be called
// from other goroutines hop onto the queue themselves.
package holder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/queue"
	"chatsync/cmd/internal/transport"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultTypingInterval = 3 * time.Second

	// contentMatchWindow bounds the history scan used when a live record has to be
	// matched by content.
	contentMatchWindow = 100
)

var (
	ErrTrackerDestroyed = errors.New("holder: tracker destroyed")
	ErrNotFound         = errors.New("holder: message not found")
	ErrNotAllowed       = errors.New("holder: action not allowed for message")
	ErrClosed           = errors.New("holder: closed")
)

// StateStore persists the per-identity flags the holder owns.
type StateStore interface {
	HistoryEnded(ctx context.Context) (bool, error)
	SetHistoryEnded(ctx context.Context, ended bool) error
	ReadBefore(ctx context.Context) (int64, error)
	SetReadBefore(ctx context.Context, ts int64) error
}

// Deps are the collaborators of a Holder. Fetcher and Actions are optional; without them
// backward history and visitor actions are unavailable.
type Deps struct {
	Queue   *queue.Queue
	Store   history.Storage
	State   StateStore
	Mapper  *message.Mapper
	Fetcher transport.HistoryFetcher
	Actions transport.Actions
	Log     *slog.Logger

	TypingInterval time.Duration
	Now            func() time.Time
}

// Holder is the message view of one session.
type Holder struct {
	q       *queue.Queue
	store   history.Storage
	state   StateStore
	mapper  *message.Mapper
	fetcher transport.HistoryFetcher
	actions transport.Actions
	log     *slog.Logger
	now     func() time.Time

	typing *rate.Limiter
	fetch  singleflight.Group

	// current is the live current-chat window keyed by client-side ID.
	current map[string]message.Record
	subs    map[uint64]*Subscription
	nextSub uint64
	closed  bool
}

// New constructs a Holder.
func New(deps Deps) (*Holder, error) {
	if deps.Queue == nil || deps.Store == nil || deps.State == nil || deps.Mapper == nil {
		return nil, errors.New("holder: missing dependency")
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.TypingInterval <= 0 {
		deps.TypingInterval = DefaultTypingInterval
	}

	return &Holder{
		q:       deps.Queue,
		store:   deps.Store,
		state:   deps.State,
		mapper:  deps.Mapper,
		fetcher: deps.Fetcher,
		actions: deps.Actions,
		log:     deps.Log,
		now:     deps.Now,
		typing:  rate.NewLimiter(rate.Every(deps.TypingInterval), 1),
		current: make(map[string]message.Record),
		subs:    make(map[uint64]*Subscription),
	}, nil
}

// Close detaches every subscription and rejects further reads and actions. Storage is
// owned by the caller.
func (h *Holder) Close(ctx context.Context) error {
	return h.q.Do(ctx, func(context.Context) error {
		h.closed = true
		for id, s := range h.subs {
			s.canceled.Store(true)
			delete(h.subs, id)
		}
		h.current = make(map[string]message.Record)
		return nil
	})
}

// changes collects the notifications of one commit.
type changes struct {
	added   []message.Record
	changed []history.Change
	removed []message.Record
}

func (c changes) empty() bool {
	return len(c.added) == 0 && len(c.changed) == 0 && len(c.removed) == 0
}

// primaries returns the visible current-chat records in key order.
func (h *Holder) primaries() []message.Record {
	out := make([]message.Record, 0, len(h.current))
	for _, r := range h.current {
		if !r.IsSecondary() {
			out = append(out, r.Clone())
		}
	}
	message.SortRecords(out)
	return out
}

// currentByID finds a current-chat record by client-side or server-side ID.
func (h *Holder) currentByID(id string) (message.Record, bool) {
	if r, ok := h.current[id]; ok {
		return r, true
	}
	for _, r := range h.current {
		if r.HasID(id) {
			return r, true
		}
	}
	return message.Record{}, false
}

// currentMatch finds the current-chat record that rec represents: by ID first, then by
// content.
func (h *Holder) currentMatch(rec message.Record) (message.Record, bool) {
	for _, r := range h.current {
		if r.SameIdentity(rec) {
			return r, true
		}
	}
	for _, r := range h.current {
		if r.SameContent(rec) {
			return r, true
		}
	}
	return message.Record{}, false
}

// historyMatch finds the stored record that a live record represents: by ID first, then
// by content among the newest stored records.
func (h *Holder) historyMatch(ctx context.Context, rec message.Record) (message.Record, bool, error) {
	for _, id := range []string{rec.ClientSideID, rec.ServerSideID} {
		if id == "" {
			continue
		}
		got, err := h.store.Lookup(ctx, id)
		if err == nil {
			if got.Deleted {
				continue
			}
			return got, true, nil
		}
		if !errors.Is(err, history.ErrNotFound) {
			return message.Record{}, false, err
		}
	}

	page, err := h.store.Last(ctx, contentMatchWindow)
	if err != nil {
		return message.Record{}, false, err
	}
	for _, r := range page.Records {
		if r.SameContent(rec) {
			return r, true, nil
		}
	}
	return message.Record{}, false, nil
}

// visible finds the visible representation of id.
func (h *Holder) visible(ctx context.Context, id string) (message.Record, error) {
	if r, ok := h.currentByID(id); ok {
		if !r.IsSecondary() {
			return r, nil
		}
		id = r.PrimaryID
	}
	rec, err := h.store.Lookup(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return message.Record{}, ErrNotFound
	}
	if err != nil {
		return message.Record{}, err
	}
	return rec, nil
}

// write stores rec where its provenance says it lives and reports the change.
func (h *Holder) write(ctx context.Context, rec message.Record) (history.Change, bool, error) {
	if rec.Provenance == message.ProvenanceCurrentChat {
		old, ok := h.current[rec.ClientSideID]
		if ok && old.Equal(rec) {
			return history.Change{}, false, nil
		}
		h.current[rec.ClientSideID] = rec.Clone()
		return history.Change{Old: old, New: rec}, ok, nil
	}

	res, err := h.store.Upsert(ctx, []message.Record{rec})
	if err != nil {
		return history.Change{}, false, err
	}
	if len(res.Updated) > 0 {
		return res.Updated[0], true, nil
	}
	return history.Change{}, false, nil
}

// mergeView merges stored records with visible current-chat records older than bound
// (zero bound means no bound) and keeps the newest limit of them.
func mergeView(stored []message.Record, primaries []message.Record, bound history.Cursor, limit int) ([]message.Record, bool) {
	out := make([]message.Record, 0, len(stored)+len(primaries))
	out = append(out, stored...)
	for _, p := range primaries {
		if bound.IsZero() || p.Key().Less(bound.Key) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })

	if len(out) > limit {
		return out[len(out)-limit:], true
	}
	return out, false
}
