package history

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"chatsync/cmd/internal/message"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage is a Storage backed by PostgreSQL. Many identities share one table;
// every row is scoped by the identity key.
//
// Ownership model:
// - PostgresStorage does NOT own the pgx pool. The caller must close the pool.
// - Close() only marks the storage closed.
//
// Concurrency model:
// - Writes take a per-identity transactional advisory lock so concurrent upserts and
//   deletions of one identity apply in a single order.
type PostgresStorage struct {
	pool     *pgxpool.Pool
	schema   string
	identity string
	closed   bool
}

var _ Storage = (*PostgresStorage)(nil)

// PostgresOption configures PostgresStorage behavior.
type PostgresOption func(*PostgresStorage) error

// WithSchema sets the DB schema used by this storage (default: "chatsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStorage) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("history: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("history: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStorage constructs a Postgres-backed Storage for one identity key.
func NewPostgresStorage(pool *pgxpool.Pool, identityKey string, opts ...PostgresOption) (*PostgresStorage, error) {
	st := &PostgresStorage{
		pool:     pool,
		schema:   "chatsync",
		identity: strings.TrimSpace(identityKey),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("history: nil pool")
	}
	if st.identity == "" {
		return nil, errors.New("history: empty identity key")
	}
	return st, nil
}

// EnsureSchema creates the schema and table if they are missing.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "messages")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  identity_key TEXT   NOT NULL,
  client_id    TEXT   NOT NULL,
  server_id    TEXT   NOT NULL DEFAULT '',
  ts           BIGINT NOT NULL,
  deleted      BOOLEAN NOT NULL DEFAULT false,
  body         JSONB  NOT NULL,
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (identity_key, client_id)
);

CREATE INDEX IF NOT EXISTS messages_live_order_idx ON %s (identity_key, deleted, ts, client_id);
CREATE INDEX IF NOT EXISTS messages_server_id_idx ON %s (identity_key, server_id) WHERE server_id <> '';
`,
		pgx.Identifier{s.schema}.Sanitize(), messages, messages, messages,
	)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("history: ensure schema: %w", err)
	}
	return nil
}

// Close marks the storage closed. The pool is owned by the caller.
func (s *PostgresStorage) Close() error {
	s.closed = true
	return nil
}

// Wipe deletes every row of the identity and closes the storage.
func (s *PostgresStorage) Wipe(ctx context.Context) error {
	if s.closed {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "messages")+` WHERE identity_key = $1`, s.identity,
	); err != nil {
		return fmt.Errorf("history: wipe: %w", err)
	}
	s.closed = true
	return nil
}

func (s *PostgresStorage) begin(ctx context.Context) (pgx.Tx, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("history: nil storage")
	}
	if s.closed {
		return nil, ErrClosed
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.identity); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	return tx, nil
}

// Upsert inserts or updates records in one transaction.
func (s *PostgresStorage) Upsert(ctx context.Context, recs []message.Record) (UpsertResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	var res UpsertResult
	for _, in := range recs {
		if in.ClientSideID == "" {
			continue
		}

		existing, deleted, found, err := s.find(ctx, tx, in)
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
			body, err := encodeRecord(rec)
			if err != nil {
				return UpsertResult{}, err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+messages+` (identity_key, client_id, server_id, ts, deleted, body)
				 VALUES ($1, $2, $3, $4, false, $5)`,
				s.identity, rec.ClientSideID, rec.ServerSideID, rec.TimestampMicros, body,
			); err != nil {
				return UpsertResult{}, fmt.Errorf("insert message: %w", err)
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
		if _, err := tx.Exec(ctx,
			`UPDATE `+messages+`
			    SET server_id = $3, ts = $4, body = $5, updated_at = now()
			  WHERE identity_key = $1 AND client_id = $2`,
			s.identity, merged.ClientSideID, merged.ServerSideID, merged.TimestampMicros, body,
		); err != nil {
			return UpsertResult{}, fmt.Errorf("update message: %w", err)
		}
		res.Updated = append(res.Updated, Change{Old: existing, New: merged})
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// MarkDeleted tombstones records matching ids (client-side or server-side).
func (s *PostgresStorage) MarkDeleted(ctx context.Context, ids []string) ([]message.Record, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	var removed []message.Record
	for _, id := range ids {
		if id == "" {
			continue
		}
		rec, deleted, found, err := s.find(ctx, tx, message.Record{ClientSideID: id, ServerSideID: id})
		if err != nil {
			return nil, err
		}
		if found && deleted {
			continue
		}
		if !found {
			placeholder := message.Record{ClientSideID: id, ServerSideID: id, Deleted: true}
			body, err := encodeRecord(placeholder)
			if err != nil {
				return nil, err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO `+messages+` (identity_key, client_id, server_id, ts, deleted, body)
				 VALUES ($1, $2, $2, 0, true, $3)
				 ON CONFLICT (identity_key, client_id) DO NOTHING`,
				s.identity, id, body,
			); err != nil {
				return nil, fmt.Errorf("insert tombstone: %w", err)
			}
			continue
		}

		rec.Deleted = true
		body, err := encodeRecord(rec)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+messages+`
			    SET deleted = true, body = $3, updated_at = now()
			  WHERE identity_key = $1 AND client_id = $2`,
			s.identity, rec.ClientSideID, body,
		); err != nil {
			return nil, fmt.Errorf("tombstone message: %w", err)
		}
		removed = append(removed, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return removed, nil
}

// Last returns the newest limit live records in ascending order.
func (s *PostgresStorage) Last(ctx context.Context, limit int) (Page, error) {
	if s.closed {
		return Page{}, ErrClosed
	}
	limit = normalizeLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT body FROM `+pgIdent(s.schema, "messages")+`
		  WHERE identity_key = $1 AND NOT deleted
		  ORDER BY ts DESC, client_id DESC
		  LIMIT $2`,
		s.identity, limit+1,
	)
	if err != nil {
		return Page{}, err
	}
	return scanPGPage(rows, limit)
}

// Before returns up to limit live records strictly older than cursor, ascending.
func (s *PostgresStorage) Before(ctx context.Context, cursor Cursor, limit int) (Page, error) {
	if cursor.IsZero() {
		return s.Last(ctx, limit)
	}
	if s.closed {
		return Page{}, ErrClosed
	}
	limit = normalizeLimit(limit)

	rows, err := s.pool.Query(ctx,
		`SELECT body FROM `+pgIdent(s.schema, "messages")+`
		  WHERE identity_key = $1 AND NOT deleted AND (ts, client_id) < ($2, $3)
		  ORDER BY ts DESC, client_id DESC
		  LIMIT $4`,
		s.identity, cursor.Key.TimestampMicros, cursor.Key.ClientSideID, limit+1,
	)
	if err != nil {
		return Page{}, err
	}
	return scanPGPage(rows, limit)
}

// Oldest returns the oldest live record.
func (s *PostgresStorage) Oldest(ctx context.Context) (message.Record, bool, error) {
	if s.closed {
		return message.Record{}, false, ErrClosed
	}

	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM `+pgIdent(s.schema, "messages")+`
		  WHERE identity_key = $1 AND NOT deleted
		  ORDER BY ts ASC, client_id ASC
		  LIMIT 1`,
		s.identity,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Record{}, false, nil
	}
	if err != nil {
		return message.Record{}, false, err
	}
	rec, err := decodeRecord(string(body))
	if err != nil {
		return message.Record{}, false, err
	}
	return rec, true, nil
}

// Count returns the number of live records.
func (s *PostgresStorage) Count(ctx context.Context) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "messages")+` WHERE identity_key = $1 AND NOT deleted`,
		s.identity,
	).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Lookup finds a live or tombstoned record by client-side or server-side ID.
func (s *PostgresStorage) Lookup(ctx context.Context, id string) (message.Record, error) {
	if s.closed {
		return message.Record{}, ErrClosed
	}
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM `+pgIdent(s.schema, "messages")+`
		  WHERE identity_key = $1 AND (client_id = $2 OR (server_id <> '' AND server_id = $2))
		  LIMIT 1`,
		s.identity, id,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Record{}, ErrNotFound
	}
	if err != nil {
		return message.Record{}, err
	}
	return decodeRecord(string(body))
}

func (s *PostgresStorage) find(ctx context.Context, tx pgx.Tx, in message.Record) (message.Record, bool, bool, error) {
	messages := pgIdent(s.schema, "messages")

	var (
		body    []byte
		deleted bool
	)
	err := tx.QueryRow(ctx,
		`SELECT body, deleted FROM `+messages+` WHERE identity_key = $1 AND client_id = $2`,
		s.identity, in.ClientSideID,
	).Scan(&body, &deleted)
	if errors.Is(err, pgx.ErrNoRows) && in.ServerSideID != "" {
		err = tx.QueryRow(ctx,
			`SELECT body, deleted FROM `+messages+` WHERE identity_key = $1 AND server_id = $2 LIMIT 1`,
			s.identity, in.ServerSideID,
		).Scan(&body, &deleted)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Record{}, false, false, nil
	}
	if err != nil {
		return message.Record{}, false, false, err
	}
	rec, err := decodeRecord(string(body))
	if err != nil {
		return message.Record{}, false, false, err
	}
	return rec, deleted, true, nil
}

func scanPGPage(rows pgx.Rows, limit int) (Page, error) {
	defer rows.Close()

	recs := make([]message.Record, 0, limit+1)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return Page{}, err
		}
		rec, err := decodeRecord(string(body))
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
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return pageOf(recs, hasMore), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
