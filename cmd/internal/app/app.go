// Package app wires the chatsync runtime: config, logging, storage backends, the
// session engine and the admin HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"chatsync/cmd/identity"
	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/keystore"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/reconciler"
	"chatsync/cmd/internal/session"
	"chatsync/cmd/internal/transport"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns the process-wide resources shared by sessions: the keystore, the optional
// Postgres pool and the service client.
type App struct {
	cfg Config
	log *slog.Logger

	reg     *session.Registry
	keys    keystore.Store
	pool    *pgxpool.Pool
	client  *transport.HTTPClient
	metrics *reconciler.Metrics
}

// New opens the configured backends. Close releases them.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		reg:     session.NewRegistry(),
		metrics: reconciler.DefaultMetrics(),
	}

	keys, err := a.openKeystore(ctx)
	if err != nil {
		return nil, err
	}
	a.keys = keys

	if cfg.HistoryBackend == "postgres" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			_ = a.keys.Close()
			return nil, fmt.Errorf("app: postgres: %w", err)
		}
		a.pool = pool
		log.Info("db.enabled.postgres_history", "schema", cfg.DBSchema)
	}

	client, err := transport.NewHTTPClient(cfg.BaseURL, log.With("component", "transport"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client

	return a, nil
}

func (a *App) openKeystore(ctx context.Context) (keystore.Store, error) {
	switch a.cfg.KeystoreBackend {
	case "memory":
		a.log.Info("keystore.memory")
		return keystore.NewMemoryStore(), nil
	case "redis":
		st, err := keystore.NewRedisStore(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.log.Info("keystore.redis", "addr", a.cfg.RedisAddr, "db", a.cfg.RedisDB)
		return st, nil
	default:
		dir := filepath.Join(a.cfg.DataDir, "keystore")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("app: keystore dir: %w", err)
		}
		st, err := keystore.OpenPebbleStore(dir)
		if err != nil {
			return nil, err
		}
		a.log.Info("keystore.pebble", "dir", dir)
		return st, nil
	}
}

// Identity returns the configured session identity.
func (a *App) Identity() identity.Session {
	return identity.Session{
		Account:      a.cfg.Account,
		Location:     a.cfg.Location,
		Visitor:      a.cfg.Visitor,
		ChatInstance: a.cfg.ChatInstance,
	}
}

// Registry returns the session registry of the process.
func (a *App) Registry() *session.Registry { return a.reg }

// OpenSession returns the live session of the configured identity, creating it on
// first use.
func (a *App) OpenSession(ctx context.Context, onFatal func(*transport.FatalError)) (*session.Session, error) {
	cfg := session.Config{
		Identity:           a.Identity(),
		BaseURL:            a.cfg.BaseURL,
		PollInterval:       a.cfg.PollInterval,
		PollTimeout:        a.cfg.PollTimeout,
		StallWarnThreshold: a.cfg.StallWarnThreshold,
		TypingInterval:     a.cfg.TypingInterval,
		OnFatalError:       onFatal,
	}
	deps := session.Deps{
		Keystore:    a.keys,
		OpenStorage: a.openStorage,
		Poller:      a.client,
		Fetcher:     a.client,
		Actions:     a.client,
		Auth:        a.client,
		Live:        a.client,
		Credentials: a.client,
		Clock:       reconciler.SystemClock{},
		Metrics:     a.metrics,
		Log:         a.log,
	}
	return session.New(ctx, a.reg, cfg, deps)
}

func (a *App) openStorage(ctx context.Context, fileName string) (history.Storage, error) {
	switch a.cfg.HistoryBackend {
	case "memory":
		return history.NewMemoryStorage(), nil
	case "postgres":
		return openPostgresHistory(ctx, a.pool, a.Identity().Key(), a.cfg.DBSchema)
	default:
		if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("app: data dir: %w", err)
		}
		return history.OpenSQLiteStorage(ctx, filepath.Join(a.cfg.DataDir, fileName))
	}
}

// Close releases the backends. Sessions must be destroyed first.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.keys != nil {
		if err := a.keys.Close(); err != nil {
			a.log.Warn("keystore.close.fail", "err", err)
		}
	}
}

// Run resumes the session, prints view changes to out and serves the admin surface until
// ctx is done or the session is stopped by a fatal service error.
func (a *App) Run(ctx context.Context, out io.Writer) error {
	fatalCh := make(chan *transport.FatalError, 1)
	s, err := a.OpenSession(ctx, func(fe *transport.FatalError) {
		select {
		case fatalCh <- fe:
		default:
		}
	})
	if err != nil {
		return err
	}

	lines := newLinePrinter(out)
	defer lines.Close()

	sub, err := s.Subscribe(ctx, lines.Listener())
	if err != nil {
		return err
	}
	defer sub.Cancel()

	if err := s.Resume(ctx); err != nil {
		return err
	}
	a.log.Info("session.running", "identity", a.Identity().String(), "base_url", a.cfg.BaseURL)

	srv := a.adminServer(s)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.log.Info("admin.start", "addr", a.cfg.AdminAddr)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("session.stop", "reason", "context_done")
	case fe := <-fatalCh:
		a.log.Error("session.stop", "reason", "fatal", "err", fe)
		runErr = fe
	case err := <-errCh:
		a.log.Error("admin.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("admin.shutdown.fail", "err", err)
	}
	if err := s.Destroy(shutdownCtx); err != nil && !errors.Is(err, session.ErrDestroyed) {
		a.log.Error("session.destroy.fail", "err", err)
	}
	return runErr
}

// PrintHistory writes up to limit of the most recent messages to out.
func (a *App) PrintHistory(ctx context.Context, out io.Writer, limit int) error {
	s, err := a.OpenSession(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = s.Destroy(context.WithoutCancel(ctx)) }()

	// Resume loads credentials, which backward history requests need.
	if err := s.Resume(ctx); err != nil {
		return err
	}

	t, err := s.NewTracker(ctx, holder.ListenerFuncs{})
	if err != nil {
		return err
	}
	defer t.Destroy()

	recs, err := t.GetLastMessages(ctx, limit)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := fmt.Fprintln(out, formatRecord("", rec)); err != nil {
			return err
		}
	}
	return nil
}

// ClearVisitorData destroys the session of the configured identity and wipes its
// persisted history and keystore entry.
func (a *App) ClearVisitorData(ctx context.Context) error {
	s, err := a.OpenSession(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.DestroyWithClearVisitorData(ctx); err != nil {
		return err
	}
	a.log.Info("session.cleared", "identity", a.Identity().String())
	return nil
}

func formatRecord(prefix string, rec message.Record) string {
	ts := time.UnixMicro(rec.TimestampMicros).UTC().Format(time.RFC3339)
	id := rec.ServerSideID
	if id == "" {
		id = rec.ClientSideID
	}
	text := rec.Text
	if rec.Deleted {
		text = "(deleted)"
	}
	line := fmt.Sprintf("%s%s [%s] %s: %s", prefix, ts, id, rec.Sender, text)
	if rec.SendStatus != "" && rec.SendStatus != message.StatusSent {
		line += " (" + string(rec.SendStatus) + ")"
	}
	return line
}
