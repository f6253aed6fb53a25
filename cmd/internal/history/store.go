// Package history persists message records of one session identity and serves ordered,
// paged reads over them.
package history

import (
	"context"
	"errors"

	"chatsync/cmd/internal/message"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

// ErrNotFound is returned by Lookup when no record (live or tombstoned) matches.
var ErrNotFound = errors.New("history: record not found")

// ErrClosed is returned by every operation after Close or Wipe.
var ErrClosed = errors.New("history: storage closed")

// Storage persists and queries the records of one session identity.
//
// Requirements:
//   - Upsert is idempotent per client-side ID (or server-side ID once known)
//   - Tombstoned records are excluded from Count, Last and Before but stay visible to Lookup
//   - Reads are ordered by (TimestampMicros, ClientSideID) ASC
//   - Before is stable across concurrent Upserts because the cursor is a key, not an offset
type Storage interface {
	Upsert(ctx context.Context, recs []message.Record) (UpsertResult, error)
	MarkDeleted(ctx context.Context, ids []string) ([]message.Record, error)
	Last(ctx context.Context, limit int) (Page, error)
	Before(ctx context.Context, cursor Cursor, limit int) (Page, error)
	Oldest(ctx context.Context) (message.Record, bool, error)
	Count(ctx context.Context) (int, error)
	Lookup(ctx context.Context, id string) (message.Record, error)
	Wipe(ctx context.Context) error
	Close() error
}

// Cursor is a snapshot of the ordering key of the oldest record a caller has seen.
// The zero Cursor means "nothing seen yet".
type Cursor struct {
	Key message.OrderKey
}

// IsZero reports whether c is the zero cursor.
func (c Cursor) IsZero() bool { return c.Key.IsZero() }

// CursorOf returns the cursor positioned at rec.
func CursorOf(rec message.Record) Cursor { return Cursor{Key: rec.Key()} }

// Page is an ordered window of records.
type Page struct {
	Records []message.Record
	// HasMore reports whether older live records exist before this page.
	HasMore bool
	// Cursor points at the oldest record of the page (zero when the page is empty).
	Cursor Cursor
}

// Change is an update of a stored record.
type Change struct {
	Old message.Record
	New message.Record
}

// UpsertResult classifies every record of an Upsert call.
type UpsertResult struct {
	Inserted  []message.Record
	Updated   []Change
	Unchanged int
}

// Empty reports whether the upsert changed nothing.
func (r UpsertResult) Empty() bool { return len(r.Inserted) == 0 && len(r.Updated) == 0 }

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

// merge returns the record to store when incoming replaces existing.
// The stored client-side ID survives so the record keeps one stable identity.
func merge(existing, incoming message.Record) message.Record {
	out := incoming.Clone()
	out.ClientSideID = existing.ClientSideID
	if out.ServerSideID == "" {
		out.ServerSideID = existing.ServerSideID
	}
	out.Provenance = message.ProvenanceHistory
	out.PrimaryID = ""
	return out
}

func pageOf(recs []message.Record, hasMore bool) Page {
	p := Page{Records: recs, HasMore: hasMore}
	if len(recs) > 0 {
		p.Cursor = CursorOf(recs[0])
	}
	return p
}
