package app

import (
	"context"
	"fmt"
	"time"

	"chatsync/cmd/internal/history"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbApplicationName = "chatsync"

// NewDBPool opens the pool backing the "postgres" history backend and checks that a
// connection can be acquired. Tables are created per session by openPostgresHistory.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	// A session holds no connection between polls.
	pcfg.MaxConnIdleTime = 5 * time.Minute
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}
	return pcfg, nil
}

// openPostgresHistory returns the history rows of one identity, creating the schema on
// first use.
func openPostgresHistory(ctx context.Context, pool *pgxpool.Pool, identityKey, schema string) (history.Storage, error) {
	if pool == nil {
		return nil, fmt.Errorf("app: postgres history: pool is not open")
	}
	st, err := history.NewPostgresStorage(pool, identityKey, history.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("app: postgres history schema %q: %w", schema, err)
	}
	return st, nil
}

// PingDB checks that a connection can be acquired within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
