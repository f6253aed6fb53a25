package holder

import (
	"context"
	"errors"

	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/message"
)

// ReceiveHistoryUpdate commits one reconciler batch: upserts and deletions go to storage,
// listeners are notified with added, changed and removed records in that order, and then
// completion runs. A deletion wins over an upsert of the same ID within the batch.
//
// An error from storage aborts before completion runs, so the caller's revision does
// not advance.
func (h *Holder) ReceiveHistoryUpdate(ctx context.Context, recs []message.Record, deletedIDs []string, completion func(ctx context.Context) error) error {
	return h.q.Do(ctx, func(ctx context.Context) error {
		if h.closed {
			return ErrClosed
		}

		c, err := h.applyHistory(ctx, recs, deletedIDs)
		if err != nil {
			h.log.Error("holder.batch.fail", "records", len(recs), "deleted", len(deletedIDs), "err", err)
			return err
		}
		h.notify(c)
		h.log.Debug("holder.batch.applied",
			"added", len(c.added),
			"changed", len(c.changed),
			"removed", len(c.removed),
		)

		if completion == nil {
			return nil
		}
		return completion(ctx)
	})
}

func (h *Holder) applyHistory(ctx context.Context, recs []message.Record, deletedIDs []string) (changes, error) {
	deleted := make(map[string]struct{}, len(deletedIDs))
	for _, id := range deletedIDs {
		if id != "" {
			deleted[id] = struct{}{}
		}
	}
	isDeleted := func(r message.Record) bool {
		_, byClient := deleted[r.ClientSideID]
		_, byServer := deleted[r.ServerSideID]
		return byClient || (r.ServerSideID != "" && byServer)
	}

	// transferred maps the stored client-side ID to the visible current-chat record it replaces.
	transferred := make(map[string]message.Record)
	upserts := make([]message.Record, 0, len(recs))
	for _, r := range recs {
		if isDeleted(r) {
			continue
		}
		r.Provenance = message.ProvenanceHistory
		r.PrimaryID = ""
		if cur, ok := h.currentMatch(r); ok {
			r = h.transferToHistory(cur, r)
			if !cur.IsSecondary() {
				transferred[r.ClientSideID] = cur
			}
		}
		upserts = append(upserts, r)
	}

	var c changes
	if len(upserts) > 0 {
		res, err := h.store.Upsert(ctx, upserts)
		if err != nil {
			return changes{}, err
		}

		for _, r := range res.Inserted {
			if cur, ok := transferred[r.ClientSideID]; ok {
				c.changed = append(c.changed, history.Change{Old: cur, New: r})
				delete(transferred, r.ClientSideID)
				continue
			}
			c.added = append(c.added, r)
		}
		for _, ch := range res.Updated {
			if cur, ok := transferred[ch.New.ClientSideID]; ok {
				ch.Old = cur
				delete(transferred, ch.New.ClientSideID)
			}
			c.changed = append(c.changed, ch)
		}
		// Transfers onto an unchanged stored record still swap the visible representation.
		for id, cur := range transferred {
			stored, err := h.store.Lookup(ctx, id)
			if err != nil {
				continue
			}
			c.changed = append(c.changed, history.Change{Old: cur, New: stored})
		}
	}

	if len(deleted) > 0 {
		removed, err := h.store.MarkDeleted(ctx, deletedIDs)
		if err != nil {
			return changes{}, err
		}
		c.removed = append(c.removed, removed...)
		c.removed = append(c.removed, h.dropCurrent(deleted, removed)...)
	}

	message.SortRecords(c.added)
	sortChanges(c.changed)
	message.SortRecords(c.removed)
	return c, nil
}

// dropCurrent removes current-chat records hit by a deletion: records named directly and
// secondaries of removed stored records. It returns the visible ones.
func (h *Holder) dropCurrent(deleted map[string]struct{}, removed []message.Record) []message.Record {
	removedPrimary := make(map[string]struct{}, len(removed))
	for _, r := range removed {
		removedPrimary[r.ClientSideID] = struct{}{}
	}

	var out []message.Record
	for id, r := range h.current {
		_, byClient := deleted[r.ClientSideID]
		_, byServer := deleted[r.ServerSideID]
		_, primaryGone := removedPrimary[r.PrimaryID]
		if !byClient && !(r.ServerSideID != "" && byServer) && !(r.IsSecondary() && primaryGone) {
			continue
		}
		delete(h.current, id)
		if !r.IsSecondary() {
			r.Deleted = true
			out = append(out, r)
		}
	}
	return out
}

// transferToHistory retires the current-chat representation cur in favor of the history
// record rec and returns the survivor to store. A visible cur keeps its client-side ID so
// listeners see one stable identity.
func (h *Holder) transferToHistory(cur, rec message.Record) message.Record {
	delete(h.current, cur.ClientSideID)

	out := rec.Clone()
	if !cur.IsSecondary() {
		out.ClientSideID = cur.ClientSideID
	}
	copySurvivorFields(&out, cur)
	out.Provenance = message.ProvenanceHistory
	out.PrimaryID = ""

	h.log.Debug("holder.transfer.history",
		"client_side_id", out.ClientSideID,
		"server_side_id", out.ServerSideID,
		"secondary", cur.IsSecondary(),
	)
	return out
}

// ReceiveCurrentChat applies records of the live current-chat window. Unknown records
// become visible current-chat records; records already in history are linked to them as
// secondaries.
func (h *Holder) ReceiveCurrentChat(ctx context.Context, recs []message.Record) error {
	return h.q.Do(ctx, func(ctx context.Context) error {
		if h.closed {
			return ErrClosed
		}

		var c changes
		for _, r := range recs {
			if r.ClientSideID == "" {
				continue
			}
			r.Provenance = message.ProvenanceCurrentChat
			r.PrimaryID = ""
			if err := h.applyCurrent(ctx, r, &c); err != nil {
				h.log.Error("holder.current.fail", "client_side_id", r.ClientSideID, "err", err)
				return err
			}
		}

		message.SortRecords(c.added)
		sortChanges(c.changed)
		h.notify(c)
		return nil
	})
}

func (h *Holder) applyCurrent(ctx context.Context, r message.Record, c *changes) error {
	if cur, ok := h.currentMatch(r); ok {
		r.ClientSideID = cur.ClientSideID
		if !cur.IsSecondary() {
			ch, existed, err := h.write(ctx, r)
			if err != nil {
				return err
			}
			if existed {
				c.changed = append(c.changed, ch)
			}
			return nil
		}

		// The visible representation is the stored record; the update lands there.
		r.PrimaryID = cur.PrimaryID
		h.current[r.ClientSideID] = r.Clone()
		primary, err := h.store.Lookup(ctx, cur.PrimaryID)
		if err != nil {
			return nil
		}
		return h.updatePrimary(ctx, primary, r, c)
	}

	dead, err := h.tombstoned(ctx, r)
	if err != nil || dead {
		return err
	}

	stored, ok, err := h.historyMatch(ctx, r)
	if err != nil {
		return err
	}
	if ok {
		return h.transferToCurrentChat(ctx, stored, r, c)
	}

	h.current[r.ClientSideID] = r.Clone()
	c.added = append(c.added, r)
	return nil
}

// tombstoned reports whether history holds a deleted record with one of r's IDs. Live
// events never resurrect a deleted message.
func (h *Holder) tombstoned(ctx context.Context, r message.Record) (bool, error) {
	for _, id := range []string{r.ClientSideID, r.ServerSideID} {
		if id == "" {
			continue
		}
		got, err := h.store.Lookup(ctx, id)
		if errors.Is(err, history.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if got.Deleted {
			return true, nil
		}
	}
	return false, nil
}

// transferToCurrentChat links the live record r to the stored record it represents. The
// stored record stays visible as primary; r is kept as its secondary.
func (h *Holder) transferToCurrentChat(ctx context.Context, stored, r message.Record, c *changes) error {
	r.PrimaryID = stored.ClientSideID
	h.current[r.ClientSideID] = r.Clone()

	h.log.Debug("holder.transfer.current_chat",
		"client_side_id", r.ClientSideID,
		"primary_id", stored.ClientSideID,
	)
	return h.updatePrimary(ctx, stored, r, c)
}

// updatePrimary folds the content of the live record r into the stored primary.
func (h *Holder) updatePrimary(ctx context.Context, primary, r message.Record, c *changes) error {
	upd := r.Clone()
	upd.ClientSideID = primary.ClientSideID
	if upd.ServerSideID == "" {
		upd.ServerSideID = primary.ServerSideID
	}
	copySurvivorFields(&upd, primary)
	upd.Provenance = message.ProvenanceHistory
	upd.PrimaryID = ""

	if upd.Equal(primary) {
		return nil
	}
	ch, existed, err := h.write(ctx, upd)
	if err != nil {
		return err
	}
	if existed {
		c.changed = append(c.changed, ch)
	}
	return nil
}

// copySurvivorFields carries the attachment URL and the read flag of the retired
// representation onto the survivor.
func copySurvivorFields(survivor *message.Record, retired message.Record) {
	survivor.Read = survivor.Read || retired.Read
	if survivor.Payload.File != nil && survivor.Payload.File.URL == "" &&
		retired.Payload.File != nil && retired.Payload.File.URL != "" {
		f := *survivor.Payload.File
		f.URL = retired.Payload.File.URL
		survivor.Payload.File = &f
	}
}
