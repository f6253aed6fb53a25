package history

import (
	"context"
	"sort"
	"sync"

	"chatsync/cmd/internal/message"
)

// MemoryStorage keeps records in process memory. It backs sessions without persistence.
// It supports:
//   - Upsert: idempotent by client-side ID, falling back to server-side ID
//   - MarkDeleted: tombstones kept for the life of the storage, like the durable variants
//   - Last/Before: key-ordered paging
type MemoryStorage struct {
	mu     sync.Mutex
	closed bool

	byClient map[string]message.Record
	byServer map[string]string // server-side ID -> client-side ID
	order    []message.OrderKey

	tombstones map[string]message.Record // client-side and server-side IDs
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage constructs an in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byClient:   make(map[string]message.Record),
		byServer:   make(map[string]string),
		order:      make([]message.OrderKey, 0, 256),
		tombstones: make(map[string]message.Record),
	}
}

// Close marks the storage closed.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Wipe drops all records and tombstones and closes the storage.
func (s *MemoryStorage) Wipe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byClient = make(map[string]message.Record)
	s.byServer = make(map[string]string)
	s.order = s.order[:0]
	s.tombstones = make(map[string]message.Record)
	s.closed = true
	return nil
}

// Upsert inserts or updates records. Tombstoned records stay deleted.
func (s *MemoryStorage) Upsert(ctx context.Context, recs []message.Record) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return UpsertResult{}, ErrClosed
	}

	var res UpsertResult
	for _, in := range recs {
		if in.ClientSideID == "" {
			continue
		}
		if s.isTombstoned(in) {
			res.Unchanged++
			continue
		}

		existing, ok := s.find(in)
		if !ok {
			rec := in.Clone()
			rec.Provenance = message.ProvenanceHistory
			rec.PrimaryID = ""
			s.insert(rec)
			res.Inserted = append(res.Inserted, rec)
			continue
		}

		merged := merge(existing, in)
		if merged.Equal(existing) {
			res.Unchanged++
			continue
		}
		s.remove(existing)
		s.insert(merged)
		res.Updated = append(res.Updated, Change{Old: existing, New: merged})
	}

	return res, nil
}

// MarkDeleted tombstones records matching ids (client-side or server-side).
func (s *MemoryStorage) MarkDeleted(ctx context.Context, ids []string) ([]message.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var removed []message.Record
	for _, id := range ids {
		rec, ok := s.lookupLive(id)
		if !ok {
			// Remember deletions of records not seen yet, so a late upsert cannot resurrect them.
			if _, seen := s.tombstones[id]; !seen && id != "" {
				s.tombstones[id] = message.Record{ClientSideID: id, ServerSideID: id, Deleted: true}
			}
			continue
		}
		s.remove(rec)
		rec.Deleted = true
		s.tombstones[rec.ClientSideID] = rec
		if rec.ServerSideID != "" {
			s.tombstones[rec.ServerSideID] = rec
		}
		removed = append(removed, rec)
	}
	return removed, nil
}

// Last returns the newest limit live records in ascending order.
func (s *MemoryStorage) Last(ctx context.Context, limit int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Page{}, ErrClosed
	}

	return s.window(len(s.order), limit), nil
}

// Before returns up to limit live records strictly older than cursor, ascending.
// A zero cursor behaves like Last.
func (s *MemoryStorage) Before(ctx context.Context, cursor Cursor, limit int) (Page, error) {
	if cursor.IsZero() {
		return s.Last(ctx, limit)
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Page{}, ErrClosed
	}

	end := sort.Search(len(s.order), func(i int) bool { return !s.order[i].Less(cursor.Key) })
	return s.window(end, limit), nil
}

// Oldest returns the oldest live record.
func (s *MemoryStorage) Oldest(ctx context.Context) (message.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return message.Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.Record{}, false, ErrClosed
	}
	if len(s.order) == 0 {
		return message.Record{}, false, nil
	}
	return s.byClient[s.order[0].ClientSideID].Clone(), true, nil
}

// Count returns the number of live records.
func (s *MemoryStorage) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.order), nil
}

// Lookup finds a live or tombstoned record by client-side or server-side ID.
func (s *MemoryStorage) Lookup(ctx context.Context, id string) (message.Record, error) {
	if err := ctx.Err(); err != nil {
		return message.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.Record{}, ErrClosed
	}

	if rec, ok := s.lookupLive(id); ok {
		return rec.Clone(), nil
	}
	if rec, ok := s.tombstones[id]; ok {
		return rec.Clone(), nil
	}
	return message.Record{}, ErrNotFound
}

// ---- internals (callers hold s.mu) ----

func (s *MemoryStorage) window(end, limit int) Page {
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]message.Record, 0, end-start)
	for _, k := range s.order[start:end] {
		out = append(out, s.byClient[k.ClientSideID].Clone())
	}
	return pageOf(out, start > 0)
}

func (s *MemoryStorage) lookupLive(id string) (message.Record, bool) {
	if id == "" {
		return message.Record{}, false
	}
	if rec, ok := s.byClient[id]; ok {
		return rec, true
	}
	if cid, ok := s.byServer[id]; ok {
		rec, ok := s.byClient[cid]
		return rec, ok
	}
	return message.Record{}, false
}

func (s *MemoryStorage) find(in message.Record) (message.Record, bool) {
	if rec, ok := s.byClient[in.ClientSideID]; ok {
		return rec, true
	}
	if in.ServerSideID != "" {
		if cid, ok := s.byServer[in.ServerSideID]; ok {
			rec, ok := s.byClient[cid]
			return rec, ok
		}
	}
	return message.Record{}, false
}

func (s *MemoryStorage) isTombstoned(in message.Record) bool {
	if _, ok := s.tombstones[in.ClientSideID]; ok {
		return true
	}
	if in.ServerSideID == "" {
		return false
	}
	_, ok := s.tombstones[in.ServerSideID]
	return ok
}

func (s *MemoryStorage) insert(rec message.Record) {
	s.byClient[rec.ClientSideID] = rec
	if rec.ServerSideID != "" {
		s.byServer[rec.ServerSideID] = rec.ClientSideID
	}
	k := rec.Key()
	i := sort.Search(len(s.order), func(i int) bool { return k.Less(s.order[i]) })
	s.order = append(s.order, message.OrderKey{})
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = k
}

func (s *MemoryStorage) remove(rec message.Record) {
	delete(s.byClient, rec.ClientSideID)
	if rec.ServerSideID != "" {
		delete(s.byServer, rec.ServerSideID)
	}
	k := rec.Key()
	i := sort.Search(len(s.order), func(i int) bool { return !s.order[i].Less(k) })
	if i < len(s.order) && s.order[i] == k {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}
