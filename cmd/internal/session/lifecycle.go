package session

import (
	"context"
	"errors"
	"time"

	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/keystore"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/queue"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/delta/v1"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	liveBackoffMin = time.Second
	liveBackoffMax = 30 * time.Second
)

// Resume starts or continues synchronization. The first call initializes credentials
// when none are stored and starts the live-event listener. Resuming a resumed session
// is a no-op.
func (s *Session) Resume(ctx context.Context) error {
	const op = "resume"
	if s.State().destroyed() {
		return &AccessError{Op: op, Err: ErrDestroyed}
	}

	if err := s.ensureCredentials(ctx); err != nil {
		var fe *transport.FatalError
		if errors.As(err, &fe) {
			s.destroyFatal(fe)
			return &AccessError{Op: op, Err: ErrDestroyed}
		}
		return err
	}

	err := s.q.Do(ctx, func(ctx context.Context) error {
		if s.State().destroyed() {
			return ErrDestroyed
		}
		if s.State() == StateResumed {
			return nil
		}
		if err := s.reconciler.Resume(ctx); err != nil {
			return err
		}
		s.setState(StateResumed)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDestroyed) {
			return &AccessError{Op: op, Err: ErrDestroyed}
		}
		return access(op, err)
	}

	s.startLive()
	s.log.Info("session.resumed")
	return nil
}

// Pause stops scheduled polling. Pausing a destroyed session is a no-op.
func (s *Session) Pause(ctx context.Context) error {
	err := s.q.Do(ctx, func(context.Context) error {
		if s.State().destroyed() {
			return nil
		}
		s.reconciler.Pause()
		s.setState(StatePaused)
		return nil
	})
	if errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

// Destroy stops the session and releases storage. Destroying twice is a no-op.
func (s *Session) Destroy(ctx context.Context) error {
	return s.destroy(ctx, false)
}

// DestroyWithClearVisitorData destroys the session and wipes its keystore entry and
// history storage.
func (s *Session) DestroyWithClearVisitorData(ctx context.Context) error {
	return s.destroy(ctx, true)
}

func (s *Session) destroy(ctx context.Context, clear bool) error {
	var (
		first    bool
		teardown error
	)
	err := s.q.Do(ctx, func(ctx context.Context) error {
		if s.State().destroyed() {
			return nil
		}
		first = true
		teardown = s.teardown(ctx, clear)
		return nil
	})
	if errors.Is(err, queue.ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	if first {
		s.finish(ctx)
	}
	return teardown
}

// teardown runs on the queue. The queue is still open, so storage and keystore cleanup
// complete before it closes.
func (s *Session) teardown(ctx context.Context, clear bool) error {
	s.reconciler.Destroy()
	_ = s.holder.Close(ctx)
	s.runCancel()

	var err error
	if clear {
		s.setState(StateDestroyedWithDataClear)
		err = errors.Join(s.storage.Wipe(ctx), s.state.Clear(ctx))
	} else {
		s.setState(StateDestroyed)
		err = s.storage.Close()
	}
	if err != nil {
		s.log.Error("session.teardown.fail", "clear", clear, "err", err)
	}
	s.log.Info("session.destroyed", "clear", clear)
	return err
}

// finish unregisters the session, closes the queue and waits for the live listener,
// unless called from a queue task.
func (s *Session) finish(ctx context.Context) {
	s.reg.remove(s.key, s)
	onQueue := queue.OnQueue(ctx, s.q)
	s.q.Close()
	if onQueue {
		return
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
}

// onFatal runs on the queue when the reconciler hits a fatal service error.
func (s *Session) onFatal(ctx context.Context, err error) {
	var fe *transport.FatalError
	if !errors.As(err, &fe) {
		fe = &transport.FatalError{Reason: err.Error()}
	}
	if s.fatal.Swap(true) {
		return
	}
	s.log.Error("session.fatal", "reason", fe.Reason)
	if !s.State().destroyed() {
		_ = s.teardown(ctx, false)
		s.finish(ctx)
	}
	s.relayFatal(fe)
}

// destroyFatal handles a fatal error seen off the queue.
func (s *Session) destroyFatal(fe *transport.FatalError) {
	if s.fatal.Swap(true) {
		return
	}
	s.log.Error("session.fatal", "reason", fe.Reason)
	_ = s.destroy(context.Background(), false)
	s.relayFatal(fe)
}

func (s *Session) relayFatal(fe *transport.FatalError) {
	if s.cfg.OnFatalError != nil {
		go s.cfg.OnFatalError(fe)
	}
}

// ensureCredentials loads stored credentials, or opens a session when none are stored
// and an authenticator is configured. The result is pushed to the credential sink.
func (s *Session) ensureCredentials(ctx context.Context) error {
	s.credsMu.Lock()
	defer s.credsMu.Unlock()

	creds, err := s.state.Credentials(ctx)
	if err != nil {
		return err
	}
	if creds.IsZero() && s.deps.Auth != nil {
		deviceID, err := keystore.DeviceID(ctx, s.deps.Keystore)
		if err != nil {
			return err
		}
		id := s.cfg.Identity.Normalize()
		got, err := s.deps.Auth.Init(ctx, v1.InitRequest{
			Account:      id.Account,
			Location:     id.Location,
			Visitor:      id.Visitor,
			ChatInstance: id.ChatInstance,
			DeviceID:     deviceID,
		})
		if err != nil {
			return err
		}
		creds = keystore.Credentials{SessionID: got.SessionID, PageID: got.PageID, AuthToken: got.AuthToken}
		if err := s.state.SetCredentials(ctx, creds); err != nil {
			return err
		}
		s.log.Info("session.initialized", "session_id", creds.SessionID)
	}

	if s.deps.Credentials != nil && !creds.IsZero() {
		s.deps.Credentials.SetCredentials(transport.Credentials{
			SessionID: creds.SessionID,
			PageID:    creds.PageID,
			AuthToken: creds.AuthToken,
		})
	}
	return nil
}

// startLive starts the live-event listener once. It reconnects with backoff until the
// session is destroyed.
func (s *Session) startLive() {
	if s.deps.Live == nil {
		return
	}
	s.liveOnce.Do(func() {
		g, gctx := errgroup.WithContext(s.runCtx)
		s.group = g
		g.Go(func() error {
			b := liveBackOff(gctx)
			for {
				connected := time.Now()
				err := s.deps.Live.Subscribe(gctx, s.onLiveEvent)
				if gctx.Err() != nil {
					return nil
				}
				if time.Since(connected) > liveBackoffMax {
					b.Reset()
				}
				wait := b.NextBackOff()
				if wait == backoff.Stop {
					return nil
				}
				s.log.Warn("session.live.disconnected", "err", err, "retry_in", wait.String())
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		})
	})
}

// liveBackOff grows from liveBackoffMin to liveBackoffMax and never gives up on its own.
func liveBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = liveBackoffMin
	b.MaxInterval = liveBackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// onLiveEvent runs on the transport goroutine and hops onto the queue.
func (s *Session) onLiveEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventError:
		var fe *transport.FatalError
		if errors.As(ev.Err, &fe) {
			s.q.Post(func(ctx context.Context) { s.onFatal(ctx, fe) })
			return
		}
		s.log.Warn("session.live.error", "err", ev.Err)
	case transport.EventRevision:
		s.q.Post(func(context.Context) { s.reconciler.NotifyRevision(ev.Revision) })
	case transport.EventMessage, transport.EventMessageChanged:
		rec, err := s.mapper.Map(ev.Message, message.ProvenanceCurrentChat)
		if err != nil {
			return
		}
		s.q.Post(func(ctx context.Context) {
			if err := s.holder.ReceiveCurrentChat(ctx, []message.Record{rec}); err != nil && !errors.Is(err, holder.ErrClosed) {
				s.log.Warn("session.live.apply", "client_side_id", rec.ClientSideID, "err", err)
			}
		})
	}
}
