package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatsync/cmd/internal/message"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) Storage

func storageVariants(t *testing.T) map[string]storageFactory {
	t.Helper()

	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"sqlite": func(t *testing.T) Storage {
			st, err := OpenSQLiteStorage(context.Background(), filepath.Join(t.TempDir(), "history.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"postgres": func(t *testing.T) Storage {
			pool := mustOpenTestPool(t)
			schema := "chatsync_it_" + strings.ToLower(ulid.Make().String())
			t.Cleanup(func() { mustDropSchema(t, pool, schema) })

			st, err := NewPostgresStorage(pool, "identity-"+schema, WithSchema(schema))
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, st.EnsureSchema(ctx))
			return st
		},
	}
}

func rec(id string, ts int64, text string) message.Record {
	return message.Record{
		ClientSideID:    id,
		ServerSideID:    "srv-" + id,
		Kind:            message.KindText,
		Sender:          message.SenderOperator,
		Text:            text,
		TimestampMicros: ts,
		SendStatus:      message.StatusSent,
	}
}

func ids(recs []message.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ClientSideID)
	}
	return out
}

func TestStorage_UpsertIsIdempotent(t *testing.T) {
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			batch := []message.Record{rec("a", 1, "one"), rec("b", 2, "two")}

			res, err := st.Upsert(ctx, batch)
			require.NoError(t, err)
			require.Len(t, res.Inserted, 2)

			res, err = st.Upsert(ctx, batch)
			require.NoError(t, err)
			require.True(t, res.Empty())
			require.Equal(t, 2, res.Unchanged)

			n, err := st.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, n)
		})
	}
}

func TestStorage_UpdateKeepsStoredClientID(t *testing.T) {
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			_, err := st.Upsert(ctx, []message.Record{rec("local-1", 10, "hello")})
			require.NoError(t, err)

			// Same server-side ID, different client-side ID.
			edited := rec("other", 10, "hello, edited")
			edited.ServerSideID = "srv-local-1"
			edited.Edited = true

			res, err := st.Upsert(ctx, []message.Record{edited})
			require.NoError(t, err)
			require.Len(t, res.Updated, 1)
			require.Equal(t, "hello", res.Updated[0].Old.Text)
			require.Equal(t, "local-1", res.Updated[0].New.ClientSideID)

			got, err := st.Lookup(ctx, "srv-local-1")
			require.NoError(t, err)
			require.Equal(t, "hello, edited", got.Text)
			require.True(t, got.Edited)

			n, err := st.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		})
	}
}

func TestStorage_LastAndBeforeOrdering(t *testing.T) {
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			// Out of order on purpose; "c" and "d" share a timestamp.
			_, err := st.Upsert(ctx, []message.Record{
				rec("e", 50, "5"),
				rec("a", 10, "1"),
				rec("d", 30, "4"),
				rec("c", 30, "3"),
				rec("b", 20, "2"),
			})
			require.NoError(t, err)

			last, err := st.Last(ctx, 2)
			require.NoError(t, err)
			require.Equal(t, []string{"d", "e"}, ids(last.Records))
			require.True(t, last.HasMore)
			require.Equal(t, "d", last.Cursor.Key.ClientSideID)

			prev, err := st.Before(ctx, last.Cursor, 2)
			require.NoError(t, err)
			require.Equal(t, []string{"b", "c"}, ids(prev.Records))
			require.True(t, prev.HasMore)

			first, err := st.Before(ctx, prev.Cursor, 2)
			require.NoError(t, err)
			require.Equal(t, []string{"a"}, ids(first.Records))
			require.False(t, first.HasMore)

			oldest, ok, err := st.Oldest(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "a", oldest.ClientSideID)
		})
	}
}

func TestStorage_BeforeIsStableUnderInserts(t *testing.T) {
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			_, err := st.Upsert(ctx, []message.Record{rec("a", 10, "1"), rec("b", 20, "2"), rec("c", 30, "3")})
			require.NoError(t, err)

			page, err := st.Last(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, []string{"c"}, ids(page.Records))

			// New records arrive on both ends between page reads.
			_, err = st.Upsert(ctx, []message.Record{rec("z", 99, "new"), rec("0", 1, "old")})
			require.NoError(t, err)

			prev, err := st.Before(ctx, page.Cursor, 10)
			require.NoError(t, err)
			require.Equal(t, []string{"0", "a", "b"}, ids(prev.Records))
		})
	}
}

func TestStorage_MarkDeletedIsSticky(t *testing.T) {
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			_, err := st.Upsert(ctx, []message.Record{rec("a", 10, "1"), rec("b", 20, "2")})
			require.NoError(t, err)

			removed, err := st.MarkDeleted(ctx, []string{"srv-a", "never-seen"})
			require.NoError(t, err)
			require.Equal(t, []string{"a"}, ids(removed))

			page, err := st.Last(ctx, 10)
			require.NoError(t, err)
			require.Equal(t, []string{"b"}, ids(page.Records))

			// Late upserts do not resurrect tombstones, including unseen ones.
			res, err := st.Upsert(ctx, []message.Record{rec("a", 10, "1 again"), rec("never-seen", 5, "late")})
			require.NoError(t, err)
			require.True(t, res.Empty())

			n, err := st.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			got, err := st.Lookup(ctx, "a")
			require.NoError(t, err)
			require.True(t, got.Deleted)
			require.Equal(t, "1", got.Text)

			// Repeated deletion reports nothing new.
			removed, err = st.MarkDeleted(ctx, []string{"a"})
			require.NoError(t, err)
			require.Empty(t, removed)
		})
	}
}

func TestStorage_LookupMissing(t *testing.T) {
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)

			_, err := st.Lookup(context.Background(), "nope")
			require.ErrorIs(t, err, ErrNotFound)

			_, ok, err := st.Oldest(context.Background())
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStorage_WipeClosesStorage(t *testing.T) {
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			_, err := st.Upsert(ctx, []message.Record{rec("a", 10, "1")})
			require.NoError(t, err)

			require.NoError(t, st.Wipe(ctx))

			_, err = st.Count(ctx)
			require.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestStorage_LimitNormalization(t *testing.T) {
	require.Equal(t, defaultPageLimit, normalizeLimit(0))
	require.Equal(t, defaultPageLimit, normalizeLimit(-3))
	require.Equal(t, maxPageLimit, normalizeLimit(maxPageLimit+1))
	require.Equal(t, 7, normalizeLimit(7))
}

func TestSQLiteStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	st, err := OpenSQLiteStorage(ctx, path)
	require.NoError(t, err)
	_, err = st.Upsert(ctx, []message.Record{rec("a", 10, "1")})
	require.NoError(t, err)
	_, err = st.MarkDeleted(ctx, []string{"x"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenSQLiteStorage(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	n, err := st.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := st.Upsert(ctx, []message.Record{rec("x", 1, "late")})
	require.NoError(t, err)
	require.True(t, res.Empty())
}

func TestSQLiteStorage_WipeRemovesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wipe.db")

	st, err := OpenSQLiteStorage(ctx, path)
	require.NoError(t, err)
	_, err = st.Upsert(ctx, []message.Record{rec("a", 10, "1")})
	require.NoError(t, err)

	require.NoError(t, st.Wipe(ctx))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestSQLiteStorage_SchemaMajorMismatchWipes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	st, err := OpenSQLiteStorage(ctx, path)
	require.NoError(t, err)
	_, err = st.Upsert(ctx, []message.Record{rec("a", 10, "1")})
	require.NoError(t, err)
	_, err = st.db.ExecContext(ctx, `PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenSQLiteStorage(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	n, err := st.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStorage_LargeSetKeepsEveryRecord(t *testing.T) {
	const total = 10_001
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			batch := make([]message.Record, 0, total)
			for i := 0; i < total; i++ {
				batch = append(batch, rec(fmt.Sprintf("m%05d", i), int64(i+1), "x"))
			}
			_, err := st.Upsert(ctx, batch)
			require.NoError(t, err)

			n, err := st.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, total, n)

			got, err := st.Lookup(ctx, "m00000")
			require.NoError(t, err)
			require.False(t, got.Deleted)

			oldest, ok, err := st.Oldest(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "m00000", oldest.ClientSideID)
		})
	}
}

func TestStorage_ManyTombstonesStaySticky(t *testing.T) {
	const total = 4_500
	for name, factory := range storageVariants(t) {
		t.Run(name, func(t *testing.T) {
			st := factory(t)
			ctx := context.Background()

			batch := make([]message.Record, 0, total)
			deleted := make([]string, 0, total)
			for i := 0; i < total; i++ {
				id := fmt.Sprintf("d%05d", i)
				batch = append(batch, rec(id, int64(i+1), "x"))
				deleted = append(deleted, id)
			}
			_, err := st.Upsert(ctx, batch)
			require.NoError(t, err)
			removed, err := st.MarkDeleted(ctx, deleted)
			require.NoError(t, err)
			require.Len(t, removed, total)

			// Replaying the oldest records must not bring them back.
			res, err := st.Upsert(ctx, batch[:10])
			require.NoError(t, err)
			require.Empty(t, res.Inserted)

			n, err := st.Count(ctx)
			require.NoError(t, err)
			require.Zero(t, n)

			got, err := st.Lookup(ctx, "d00000")
			require.NoError(t, err)
			require.True(t, got.Deleted)
		})
	}
}

// Integration tests against Postgres run when CHATSYNC_TEST_DATABASE_URL is set.

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHATSYNC_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHATSYNC_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	require.NoError(t, err, "parse CHATSYNC_TEST_DATABASE_URL")

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err, "connect postgres")
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(pool.Close)
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
