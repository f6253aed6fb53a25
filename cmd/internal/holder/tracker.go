package holder

import (
	"context"
	"strconv"
	"sync/atomic"

	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/message"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

// Tracker is a paged view over the holder with its own cursor. Its listener sees changes
// of records at or after the oldest record the tracker has returned.
type Tracker struct {
	h         *Holder
	sub       *Subscription
	destroyed atomic.Bool

	// Queue-owned.
	started bool
	cursor  history.Cursor
}

// NewTracker creates a tracker delivering changes to l.
func (h *Holder) NewTracker(ctx context.Context, l Listener) (*Tracker, error) {
	t := &Tracker{h: h}
	sub, err := h.subscribe(ctx, l, t.accepts)
	if err != nil {
		return nil, err
	}
	t.sub = sub
	return t, nil
}

func (t *Tracker) accepts(r message.Record) bool {
	if !t.started {
		return false
	}
	return t.cursor.IsZero() || !r.Key().Less(t.cursor.Key)
}

// GetLastMessages returns the newest limit visible records in ascending order and
// positions the tracker cursor at the oldest of them.
func (t *Tracker) GetLastMessages(ctx context.Context, limit int) ([]message.Record, error) {
	return t.load(ctx, false, limit)
}

// GetNextMessages returns up to limit visible records older than the tracker cursor.
// When local storage runs out and history has not ended, one backward-history fetch is
// merged before returning.
func (t *Tracker) GetNextMessages(ctx context.Context, limit int) ([]message.Record, error) {
	return t.load(ctx, true, limit)
}

// Destroy detaches the tracker. Later calls return ErrTrackerDestroyed.
func (t *Tracker) Destroy() {
	if t.destroyed.Swap(true) {
		return
	}
	t.sub.Cancel()
}

func (t *Tracker) usable() error {
	if t.destroyed.Load() {
		return ErrTrackerDestroyed
	}
	if t.h.closed {
		return ErrClosed
	}
	return nil
}

func (t *Tracker) load(ctx context.Context, next bool, limit int) ([]message.Record, error) {
	limit = normalizeLimit(limit)

	var (
		bound  history.Cursor
		out    []message.Record
		short  bool
		before int64
	)
	err := t.h.q.Do(ctx, func(ctx context.Context) error {
		if err := t.usable(); err != nil {
			return err
		}
		if next && t.started {
			bound = t.cursor
		}
		var err error
		out, short, before, err = t.h.window(ctx, bound, limit)
		if err != nil {
			return err
		}
		if !short {
			t.commit(out)
		}
		return nil
	})
	if err != nil || !short {
		return out, err
	}

	if t.h.backfill(ctx, before, limit) {
		err = t.h.q.Do(ctx, func(ctx context.Context) error {
			if err := t.usable(); err != nil {
				return err
			}
			var err error
			out, _, _, err = t.h.window(ctx, bound, limit)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	err = t.h.q.Do(ctx, func(context.Context) error {
		if err := t.usable(); err != nil {
			return err
		}
		t.commit(out)
		return nil
	})
	return out, err
}

func (t *Tracker) commit(out []message.Record) {
	t.started = true
	if len(out) > 0 {
		t.cursor = history.CursorOf(out[0])
	}
}

// window reads up to limit visible records older than bound. short reports that local
// records ran out; before is the timestamp to fetch older history from.
func (h *Holder) window(ctx context.Context, bound history.Cursor, limit int) (out []message.Record, short bool, before int64, err error) {
	var page history.Page
	if bound.IsZero() {
		page, err = h.store.Last(ctx, limit)
	} else {
		page, err = h.store.Before(ctx, bound, limit)
	}
	if err != nil {
		return nil, false, 0, err
	}

	out, trimmed := mergeView(page.Records, h.primaries(), bound, limit)
	short = !page.HasMore && !trimmed && len(out) < limit

	switch {
	case len(page.Records) > 0:
		before = page.Records[0].TimestampMicros
	case !bound.IsZero():
		before = bound.Key.TimestampMicros
	}
	return out, short, before, nil
}

// backfill fetches one page of history older than beforeMicros (0 = newest page) and
// merges it. Concurrent callers for the same position share one request; each merges the
// result in its own queue task, so a caller already on the queue never waits on another
// caller's merge. It reports whether anything was merged.
func (h *Holder) backfill(ctx context.Context, beforeMicros int64, limit int) bool {
	if h.fetcher == nil {
		return false
	}
	ended, err := h.state.HistoryEnded(ctx)
	if err != nil {
		h.log.Warn("holder.backfill.state", "err", err)
		return false
	}
	if ended {
		return false
	}

	v, err, shared := h.fetch.Do(strconv.FormatInt(beforeMicros, 10), func() (any, error) {
		batch, err := h.fetcher.FetchBefore(ctx, beforeMicros, limit)
		if err != nil {
			return nil, err
		}
		recs, dropped := h.mapper.MapBatch(batch.Messages, message.ProvenanceHistory)
		h.log.Debug("holder.backfill.fetched",
			"before_ts_m", beforeMicros,
			"records", len(recs),
			"dropped", len(dropped),
			"has_more", batch.HasMore,
		)
		return fetchedPage{recs: recs, hasMore: batch.HasMore}, nil
	})
	if err != nil {
		h.log.Warn("holder.backfill.fail", "before_ts_m", beforeMicros, "shared", shared, "err", err)
		return false
	}
	page, _ := v.(fetchedPage)

	err = h.q.Do(ctx, func(ctx context.Context) error {
		if h.closed {
			return ErrClosed
		}
		c, err := h.applyHistory(ctx, page.recs, nil)
		if err != nil {
			return err
		}
		// Older pages reach trackers through their reads, not as additions.
		c.added = nil
		h.notify(c)

		if !page.hasMore {
			return h.state.SetHistoryEnded(ctx, true)
		}
		return nil
	})
	if err != nil {
		h.log.Warn("holder.backfill.merge", "before_ts_m", beforeMicros, "err", err)
		return false
	}
	return len(page.recs) > 0
}

type fetchedPage struct {
	recs    []message.Record
	hasMore bool
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
