package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatsync/cmd/internal/backendsim"
)

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// setup loads config and opens the backends.
func setup(ctx context.Context) (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, NewLogger(cfg.LogLevel, cfg.LogFormat))
}

// RunSession runs one visitor session until interrupted.
func RunSession(out io.Writer) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx, out)
}

// PrintHistory prints the most recent messages of the configured identity.
func PrintHistory(out io.Writer, limit int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.PrintHistory(ctx, out, limit)
}

// ClearVisitorData wipes the persisted state of the configured identity.
func ClearVisitorData() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.ClearVisitorData(ctx)
}

// RunBackendSim serves the simulated chat service until interrupted.
func RunBackendSim() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat).With("component", "backendsim")

	key, err := simTokenKey(cfg)
	if err != nil {
		return err
	}

	sim := backendsim.New(
		backendsim.WithLogger(log),
		backendsim.WithPageSize(cfg.SimPageSize),
		backendsim.WithTokenHMACKey(key),
	)

	srv := &http.Server{
		Addr:              cfg.SimAddr,
		Handler:           WithRequestLogging(sim.Handler(), log),
		ReadHeaderTimeout: nonZeroDuration(cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(cfg.IdleTimeout, 60*time.Second),
	}

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("backendsim.start", "addr", cfg.SimAddr, "token_hmac", key != nil, "page_size", cfg.SimPageSize)

	select {
	case <-ctx.Done():
		log.Info("backendsim.stop", "reason", "context_done")
	case err := <-errCh:
		log.Error("backendsim.fail", "err", err)
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
