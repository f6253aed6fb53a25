package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"chatsync/cmd/internal/message"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqliteSchemaMajor is stored in PRAGMA user_version. A file written by another major
// version is wiped once before first use.
const sqliteSchemaMajor = 3

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
    client_id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL DEFAULT '',
    ts INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_live_order ON messages(deleted, ts, client_id);
CREATE INDEX IF NOT EXISTS idx_messages_server_id ON messages(server_id) WHERE server_id <> '';
`

const sqliteDropSchema = `
DROP INDEX IF EXISTS idx_messages_live_order;
DROP INDEX IF EXISTS idx_messages_server_id;
DROP TABLE IF EXISTS messages;
`

// SQLiteStorage is a durable Storage backed by one SQLite file per session identity.
//
// Ownership model:
//   - SQLiteStorage owns its *sql.DB; Close releases it, Wipe also removes the file.
type SQLiteStorage struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ Storage = (*SQLiteStorage)(nil)

// OpenSQLiteStorage opens (or creates) the history file at path.
// Use ":memory:" for a throwaway database in tests.
func OpenSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history: empty sqlite path")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// One connection: every statement of a session is serialized anyway and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("history: read schema version: %w", err)
	}
	if version != 0 && version != sqliteSchemaMajor {
		if _, err := db.ExecContext(ctx, sqliteDropSchema); err != nil {
			return fmt.Errorf("history: wipe schema v%d: %w", version, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, sqliteSchemaMajor)); err != nil {
		return fmt.Errorf("history: write schema version: %w", err)
	}
	return nil
}

// Path returns the file path of the storage.
func (s *SQLiteStorage) Path() string { return s.path }

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Wipe closes the storage and removes its file (with WAL/SHM companions).
func (s *SQLiteStorage) Wipe(_ context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	if s.path == ":memory:" || strings.HasPrefix(s.path, "file::memory:") {
		return nil
	}
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm", s.path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("history: remove %s: %w", p, err)
		}
	}
	return nil
}

// Upsert inserts or updates records in one transaction.
func (s *SQLiteStorage) Upsert(ctx context.Context, recs []message.Record) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return UpsertResult{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var res UpsertResult
	for _, in := range recs {
		if in.ClientSideID == "" {
			continue
		}

		existing, deleted, found, err := sqliteFind(ctx, tx, in)
		if err != nil {
			return UpsertResult{}, err
		}
		if found && deleted {
			res.Unchanged++
			continue
		}

		if !found {
			rec := in.Clone()
			rec.Provenance = message.ProvenanceHistory
			rec.PrimaryID = ""
			if err := sqliteInsert(ctx, tx, rec); err != nil {
				return UpsertResult{}, err
			}
			res.Inserted = append(res.Inserted, rec)
			continue
		}

		merged := merge(existing, in)
		if merged.Equal(existing) {
			res.Unchanged++
			continue
		}
		body, err := encodeRecord(merged)
		if err != nil {
			return UpsertResult{}, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET server_id = ?, ts = ?, body = ? WHERE client_id = ?`,
			merged.ServerSideID, merged.TimestampMicros, body, merged.ClientSideID,
		); err != nil {
			return UpsertResult{}, fmt.Errorf("history: update message: %w", err)
		}
		res.Updated = append(res.Updated, Change{Old: existing, New: merged})
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// MarkDeleted tombstones records matching ids (client-side or server-side).
func (s *SQLiteStorage) MarkDeleted(ctx context.Context, ids []string) ([]message.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var removed []message.Record
	for _, id := range ids {
		if id == "" {
			continue
		}
		rec, deleted, found, err := sqliteFind(ctx, tx, message.Record{ClientSideID: id, ServerSideID: id})
		if err != nil {
			return nil, err
		}
		if found && deleted {
			continue
		}
		if !found {
			// Remember deletions of records not seen yet, so a late upsert cannot resurrect them.
			placeholder := message.Record{ClientSideID: id, ServerSideID: id, Deleted: true}
			body, err := encodeRecord(placeholder)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (client_id, server_id, ts, deleted, body) VALUES (?, ?, 0, 1, ?)`,
				id, id, body,
			); err != nil {
				return nil, fmt.Errorf("history: insert tombstone: %w", err)
			}
			continue
		}

		rec.Deleted = true
		body, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET deleted = 1, body = ? WHERE client_id = ?`,
			body, rec.ClientSideID,
		); err != nil {
			return nil, fmt.Errorf("history: tombstone message: %w", err)
		}
		removed = append(removed, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

// Last returns the newest limit live records in ascending order.
func (s *SQLiteStorage) Last(ctx context.Context, limit int) (Page, error) {
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Page{}, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM messages
		  WHERE deleted = 0
		  ORDER BY ts DESC, client_id DESC
		  LIMIT ?`,
		limit+1,
	)
	if err != nil {
		return Page{}, err
	}
	return scanPage(rows, limit)
}

// Before returns up to limit live records strictly older than cursor, ascending.
func (s *SQLiteStorage) Before(ctx context.Context, cursor Cursor, limit int) (Page, error) {
	if cursor.IsZero() {
		return s.Last(ctx, limit)
	}
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Page{}, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM messages
		  WHERE deleted = 0 AND (ts < ? OR (ts = ? AND client_id < ?))
		  ORDER BY ts DESC, client_id DESC
		  LIMIT ?`,
		cursor.Key.TimestampMicros, cursor.Key.TimestampMicros, cursor.Key.ClientSideID, limit+1,
	)
	if err != nil {
		return Page{}, err
	}
	return scanPage(rows, limit)
}

// Oldest returns the oldest live record.
func (s *SQLiteStorage) Oldest(ctx context.Context) (message.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return message.Record{}, false, ErrClosed
	}

	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM messages WHERE deleted = 0 ORDER BY ts ASC, client_id ASC LIMIT 1`,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Record{}, false, nil
	}
	if err != nil {
		return message.Record{}, false, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return message.Record{}, false, err
	}
	return rec, true, nil
}

// Count returns the number of live records.
func (s *SQLiteStorage) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Lookup finds a live or tombstoned record by client-side or server-side ID.
func (s *SQLiteStorage) Lookup(ctx context.Context, id string) (message.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return message.Record{}, ErrClosed
	}

	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM messages WHERE client_id = ? OR (server_id <> '' AND server_id = ?) LIMIT 1`,
		id, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Record{}, ErrNotFound
	}
	if err != nil {
		return message.Record{}, err
	}
	return decodeRecord(body)
}

// ---- helpers ----

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteFind(ctx context.Context, q sqlQueryer, in message.Record) (message.Record, bool, bool, error) {
	var (
		body    string
		deleted int
	)
	err := q.QueryRowContext(ctx,
		`SELECT body, deleted FROM messages WHERE client_id = ?`, in.ClientSideID,
	).Scan(&body, &deleted)
	if errors.Is(err, sql.ErrNoRows) && in.ServerSideID != "" {
		err = q.QueryRowContext(ctx,
			`SELECT body, deleted FROM messages WHERE server_id = ? LIMIT 1`, in.ServerSideID,
		).Scan(&body, &deleted)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return message.Record{}, false, false, nil
	}
	if err != nil {
		return message.Record{}, false, false, err
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return message.Record{}, false, false, err
	}
	return rec, deleted != 0, true, nil
}

func sqliteInsert(ctx context.Context, q sqlQueryer, rec message.Record) error {
	body, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO messages (client_id, server_id, ts, deleted, body) VALUES (?, ?, ?, 0, ?)`,
		rec.ClientSideID, rec.ServerSideID, rec.TimestampMicros, body,
	); err != nil {
		return fmt.Errorf("history: insert message: %w", err)
	}
	return nil
}

func scanPage(rows *sql.Rows, limit int) (Page, error) {
	defer rows.Close()

	recs := make([]message.Record, 0, limit+1)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return Page{}, err
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return Page{}, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}
	// Rows arrive newest first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return pageOf(recs, hasMore), nil
}

func encodeRecord(rec message.Record) (string, error) {
	rec.Provenance = message.ProvenanceHistory
	rec.PrimaryID = ""
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("history: encode record: %w", err)
	}
	return string(b), nil
}

func decodeRecord(body string) (message.Record, error) {
	var rec message.Record
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return message.Record{}, fmt.Errorf("history: decode record: %w", err)
	}
	rec.Provenance = message.ProvenanceHistory
	return rec, nil
}
