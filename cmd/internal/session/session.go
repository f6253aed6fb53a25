// Package session is the lifecycle controller of one visitor session: it owns the session
// queue, wires the reconciler and the holder to storage and transport, and enforces that
// nothing runs on a destroyed session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/cmd/identity"
	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/holder"
	"chatsync/cmd/internal/keystore"
	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/queue"
	"chatsync/cmd/internal/reconciler"
	"chatsync/cmd/internal/transport"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateCreated State = iota
	StateResumed
	StatePaused
	StateDestroyed
	StateDestroyedWithDataClear
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResumed:
		return "resumed"
	case StatePaused:
		return "paused"
	case StateDestroyed:
		return "destroyed"
	case StateDestroyedWithDataClear:
		return "destroyed_with_data_clear"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) destroyed() bool { return s == StateDestroyed || s == StateDestroyedWithDataClear }

// Config describes one session.
type Config struct {
	Identity identity.Session
	// BaseURL resolves relative attachment and avatar URLs.
	BaseURL string

	PollInterval       time.Duration
	PollTimeout        time.Duration
	StallWarnThreshold int
	TypingInterval     time.Duration

	// OnFatalError is called once, off the session queue, after a fatal service error
	// destroyed the session.
	OnFatalError func(err *transport.FatalError)
}

// CredentialSink receives credentials of an initialized session.
type CredentialSink interface {
	SetCredentials(transport.Credentials)
}

// Deps are the collaborators of a Session. Poller and Keystore are required; the rest
// enable optional features.
type Deps struct {
	Keystore keystore.Store
	// OpenStorage opens the history store for fileName. Nil means in-memory history.
	OpenStorage func(ctx context.Context, fileName string) (history.Storage, error)

	Poller      transport.Poller
	Fetcher     transport.HistoryFetcher
	Actions     transport.Actions
	Auth        transport.Authenticator
	Live        transport.LiveEvents
	Credentials CredentialSink

	Clock   reconciler.Clock
	Metrics *reconciler.Metrics
	Log     *slog.Logger
}

// Session is one live visitor session.
type Session struct {
	cfg  Config
	deps Deps
	key  string
	reg  *Registry
	log  *slog.Logger

	q          *queue.Queue
	state      *keystore.SessionState
	storage    history.Storage
	mapper     *message.Mapper
	holder     *holder.Holder
	reconciler *reconciler.Reconciler

	lifecycle atomic.Int32
	fatal     atomic.Bool

	// Live listener, started by the first Resume.
	runCtx    context.Context
	runCancel context.CancelFunc
	group     *errgroup.Group
	liveOnce  sync.Once

	credsMu sync.Mutex
}

// New returns the live session registered for cfg.Identity, or creates and registers a
// new one. A registered session that is destroyed or stopped by a fatal error is replaced.
func New(ctx context.Context, reg *Registry, cfg Config, deps Deps) (*Session, error) {
	if reg == nil {
		return nil, errors.New("session: nil registry")
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if deps.Keystore == nil || deps.Poller == nil {
		return nil, errors.New("session: keystore and poller are required")
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	key := cfg.Identity.Key()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if cur, ok := reg.sessions[key]; ok {
		if cur.viable() {
			return cur, nil
		}
		delete(reg.sessions, key)
	}

	s, err := build(ctx, reg, key, cfg, deps)
	if err != nil {
		return nil, err
	}
	reg.sessions[key] = s
	s.log.Info("session.created", "identity", cfg.Identity.String())
	return s, nil
}

func build(ctx context.Context, reg *Registry, key string, cfg Config, deps Deps) (*Session, error) {
	log := deps.Log.With("identity", cfg.Identity.String())

	state, err := keystore.NewSessionState(deps.Keystore, key)
	if err != nil {
		return nil, err
	}
	mapper, err := message.NewMapper(cfg.BaseURL, log)
	if err != nil {
		return nil, err
	}

	storage, err := openStorage(ctx, state, cfg.Identity, deps.OpenStorage)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		key:     key,
		reg:     reg,
		log:     log,
		q:       queue.New("session:"+cfg.Identity.String(), log),
		state:   state,
		storage: storage,
		mapper:  mapper,
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	s.holder, err = holder.New(holder.Deps{
		Queue:          s.q,
		Store:          storage,
		State:          state,
		Mapper:         mapper,
		Fetcher:        deps.Fetcher,
		Actions:        deps.Actions,
		Log:            log,
		TypingInterval: cfg.TypingInterval,
	})
	if err != nil {
		s.abort()
		return nil, err
	}

	s.reconciler, err = reconciler.New(reconciler.Config{
		Interval:           cfg.PollInterval,
		PollTimeout:        cfg.PollTimeout,
		StallWarnThreshold: cfg.StallWarnThreshold,
		OnFatal:            s.onFatal,
	}, reconciler.Deps{
		Queue:       s.q,
		Poller:      deps.Poller,
		Mapper:      mapper,
		Committer:   s.holder,
		State:       state,
		Clock:       deps.Clock,
		Metrics:     deps.Metrics,
		Log:         log,
		BaseContext: s.runCtx,
	})
	if err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

// openStorage opens the history store and records its file name in the keystore.
func openStorage(ctx context.Context, state *keystore.SessionState, id identity.Session, open func(context.Context, string) (history.Storage, error)) (history.Storage, error) {
	if open == nil {
		return history.NewMemoryStorage(), nil
	}

	name, err := state.DBFileName(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = id.FileName()
		if err := state.SetDBFileName(ctx, name); err != nil {
			return nil, err
		}
	}
	storage, err := open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("session: open history %s: %w", name, err)
	}
	return storage, nil
}

func (s *Session) abort() {
	s.runCancel()
	s.q.Close()
	_ = s.storage.Close()
}

// Key returns the identity key of the session.
func (s *Session) Key() string { return s.key }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.lifecycle.Load()) }

func (s *Session) viable() bool { return !s.State().destroyed() && !s.fatal.Load() }

func (s *Session) setState(st State) {
	prev := State(s.lifecycle.Swap(int32(st)))
	if prev != st {
		s.log.Debug("session.state", "from", prev.String(), "to", st.String())
	}
}

// Status is a point-in-time view of the session for diagnostics.
type Status struct {
	State          State
	Reconciler     reconciler.State
	Revision       string
	DecodeFailures int
	Stalled        bool
}

// Status reports the session and reconciler state.
func (s *Session) Status(ctx context.Context) (Status, error) {
	st := Status{State: s.State()}
	if st.State.destroyed() {
		return st, nil
	}
	err := s.q.Do(ctx, func(context.Context) error {
		st.Reconciler = s.reconciler.State()
		st.Revision = s.reconciler.Revision()
		st.DecodeFailures = s.reconciler.DecodeFailures()
		st.Stalled = s.reconciler.Stalled()
		return nil
	})
	if errors.Is(err, queue.ErrClosed) {
		st.State = s.State()
		return st, nil
	}
	return st, err
}
