// Package reconciler drives revision-based delta polling for one session: poll since the
// last committed revision, commit the batch through the holder, then persist the new
// revision, and schedule the next poll.
package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/queue"
	"chatsync/cmd/internal/transport"
)

const (
	DefaultInterval           = 60 * time.Second
	DefaultPollTimeout        = 60 * time.Second
	DefaultStallWarnThreshold = 5
)

var (
	// ErrDestroyed is returned by Resume after Destroy.
	ErrDestroyed = errors.New("reconciler: destroyed")
	// ErrStopped is returned by Resume after a fatal service error.
	ErrStopped = errors.New("reconciler: stopped by fatal error")
)

// State is the reconciler state.
type State uint8

const (
	stateNone State = iota
	StateIdle
	StatePolling
	StateApplying
	StateScheduled
	StatePaused
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateApplying:
		return "applying"
	case StateScheduled:
		return "scheduled"
	case StatePaused:
		return "paused"
	case StateDestroyed:
		return "destroyed"
	default:
		return "none"
	}
}

// Committer commits a decoded batch. completion runs after storage commit and listener
// notification; its error means the batch was committed but the revision not persisted.
type Committer interface {
	ReceiveHistoryUpdate(ctx context.Context, records []message.Record, deletedIDs []string, completion func(ctx context.Context) error) error
}

// StateStore persists the revision watermark and the history-ended flag.
type StateStore interface {
	LastRevision(ctx context.Context) (string, error)
	SetLastRevision(ctx context.Context, rev string) error
	SetHistoryEnded(ctx context.Context, ended bool) error
}

// Config tunes a Reconciler. Zero values take defaults.
type Config struct {
	Interval           time.Duration
	PollTimeout        time.Duration
	StallWarnThreshold int
	// OnFatal receives fatal service errors; the reconciler stops before calling it.
	OnFatal func(ctx context.Context, err error)
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	Queue     *queue.Queue
	Poller    transport.Poller
	Mapper    *message.Mapper
	Committer Committer
	State     StateStore
	Clock     Clock
	Metrics   *Metrics
	Log       *slog.Logger
	// BaseContext bounds network calls; it is not canceled by Pause or Destroy.
	BaseContext context.Context
}

// Reconciler is the delta/poll state machine. Every method must run on the session queue.
type Reconciler struct {
	cfg Config

	q         *queue.Queue
	poller    transport.Poller
	mapper    *message.Mapper
	committer Committer
	store     StateStore
	clock     Clock
	metrics   *Metrics
	log       *slog.Logger
	base      context.Context

	state     State
	loaded    bool
	revision  string
	lastPoll  time.Time
	inFlight  bool
	paused    bool
	destroyed bool
	stopped   bool

	// pending asks for an immediate poll once possible (hasMore, or a revision push
	// while paused).
	pending bool
	// wanted is a pushed revision that arrived during an in-flight poll.
	wanted string
	// initialChain is set while polls started from an empty revision keep reporting hasMore.
	initialChain bool

	timer    Timer
	timerGen uint64

	decodeFailures int
}

// New validates deps and returns an idle Reconciler.
func New(cfg Config, deps Deps) (*Reconciler, error) {
	if deps.Queue == nil || deps.Poller == nil || deps.Mapper == nil || deps.Committer == nil || deps.State == nil {
		return nil, errors.New("reconciler: missing dependency")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.StallWarnThreshold <= 0 {
		cfg.StallWarnThreshold = DefaultStallWarnThreshold
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}

	r := &Reconciler{
		cfg:       cfg,
		q:         deps.Queue,
		poller:    deps.Poller,
		mapper:    deps.Mapper,
		committer: deps.Committer,
		store:     deps.State,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		log:       deps.Log,
		base:      deps.BaseContext,
	}
	r.setState(StateIdle)
	return r, nil
}

// State returns the current state.
func (r *Reconciler) State() State { return r.state }

// Revision returns the last committed revision.
func (r *Reconciler) Revision() string { return r.revision }

// DecodeFailures returns the number of consecutive malformed batches.
func (r *Reconciler) DecodeFailures() int { return r.decodeFailures }

// Stalled reports whether consecutive malformed batches reached the warn threshold.
func (r *Reconciler) Stalled() bool { return r.decodeFailures >= r.cfg.StallWarnThreshold }

// Resume starts or continues polling. It polls now when no poll is in flight and the
// interval since the last poll elapsed; otherwise it schedules the next poll.
func (r *Reconciler) Resume(ctx context.Context) error {
	if r.destroyed {
		return ErrDestroyed
	}
	if r.stopped {
		return ErrStopped
	}
	if !r.loaded {
		rev, err := r.store.LastRevision(ctx)
		if err != nil {
			return err
		}
		r.revision = rev
		r.loaded = true
	}

	r.paused = false
	if r.inFlight {
		r.setState(StatePolling)
		return nil
	}
	if r.timer != nil {
		r.setState(StateScheduled)
		return nil
	}

	now := r.clock.Now()
	if r.pending || r.lastPoll.IsZero() || now.Sub(r.lastPoll) >= r.cfg.Interval {
		r.pending = false
		r.startPoll()
		return nil
	}
	r.schedule(r.lastPoll.Add(r.cfg.Interval).Sub(now))
	return nil
}

// Pause cancels the scheduled poll. An in-flight poll still completes and is applied,
// but nothing is scheduled until Resume.
func (r *Reconciler) Pause() {
	if r.destroyed {
		return
	}
	r.paused = true
	r.cancelTimer()
	r.setState(StatePaused)
}

// Destroy cancels the scheduled poll; later completions are dropped.
func (r *Reconciler) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.cancelTimer()
	r.setState(StateDestroyed)
}

// NotifyRevision handles a revision pushed out of the poll cycle. A revision different
// from the committed one triggers an immediate poll, or one follow-up poll after the
// in-flight one.
func (r *Reconciler) NotifyRevision(rev string) {
	if r.destroyed || r.stopped || !r.loaded {
		return
	}
	if rev == "" || rev == r.revision {
		return
	}
	if r.inFlight {
		r.wanted = rev
		return
	}
	if r.paused {
		r.pending = true
		return
	}
	r.log.Debug("reconciler.revision.pushed", "revision", rev, "current", r.revision)
	r.startPoll()
}

func (r *Reconciler) startPoll() {
	r.cancelTimer()

	since := r.revision
	if since == "" {
		r.initialChain = true
	}
	r.inFlight = true
	r.lastPoll = r.clock.Now()
	if !r.paused {
		r.setState(StatePolling)
	}
	r.log.Debug("reconciler.poll.start", "since", since)

	go func() {
		pctx, cancel := context.WithTimeout(r.base, r.cfg.PollTimeout)
		batch, err := r.poller.Poll(pctx, since)
		cancel()

		// A closed queue drops the completion.
		r.q.Post(func(ctx context.Context) { r.onPollDone(ctx, since, batch, err) })
	}()
}

func (r *Reconciler) onPollDone(ctx context.Context, since string, batch transport.DeltaBatch, err error) {
	r.inFlight = false
	if r.destroyed || r.stopped {
		r.log.Debug("reconciler.poll.straggler", "since", since)
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, transport.ErrFatal):
			r.metrics.poll("fatal")
			r.log.Error("reconciler.poll.fatal", "err", err)
			r.stopped = true
			r.cancelTimer()
			r.setState(StateIdle)
			if r.cfg.OnFatal != nil {
				r.cfg.OnFatal(ctx, err)
			}
			return
		case errors.Is(err, transport.ErrDecode):
			r.metrics.poll("decode_error")
			r.onDecodeFailure(err)
		default:
			// Transport failure counts as "no changes".
			r.metrics.poll("transport_error")
			r.log.Warn("reconciler.poll.fail", "since", since, "err", err)
		}
		r.next()
		return
	}

	r.apply(ctx, since, batch)
	r.next()
}

func (r *Reconciler) apply(ctx context.Context, since string, batch transport.DeltaBatch) {
	if !r.paused {
		r.setState(StateApplying)
	}
	start := r.clock.Now()

	recs, dropped := r.mapper.MapBatch(batch.Messages, message.ProvenanceHistory)
	endsHistory := r.initialChain && !batch.HasMore

	err := r.committer.ReceiveHistoryUpdate(ctx, recs, batch.Deleted, func(ctx context.Context) error {
		if err := r.store.SetLastRevision(ctx, batch.Revision); err != nil {
			return err
		}
		r.revision = batch.Revision
		if endsHistory {
			return r.store.SetHistoryEnded(ctx, true)
		}
		return nil
	})
	if err != nil {
		r.metrics.poll("apply_error")
		r.log.Error("reconciler.apply.fail", "since", since, "revision", batch.Revision, "err", err)
		return
	}

	r.metrics.poll("ok")
	r.metrics.applyDone(len(recs), len(batch.Deleted), r.clock.Now().Sub(start))
	if r.decodeFailures > 0 {
		r.log.Info("reconciler.stall.recovered", "after", r.decodeFailures)
	}
	r.decodeFailures = 0
	r.metrics.setDecodeFailures(0)

	if !batch.HasMore {
		r.initialChain = false
	}
	if batch.HasMore {
		r.pending = true
	}

	r.log.Info("reconciler.batch.applied",
		"since", since,
		"revision", batch.Revision,
		"records", len(recs),
		"dropped", len(dropped),
		"deleted", len(batch.Deleted),
		"has_more", batch.HasMore,
		"history_ended", endsHistory,
	)
}

// onDecodeFailure discards the batch without advancing the revision, so the same window
// is requested again. Consecutive failures are counted to surface a stalled stream.
func (r *Reconciler) onDecodeFailure(err error) {
	r.decodeFailures++
	r.metrics.setDecodeFailures(r.decodeFailures)

	r.log.Warn("reconciler.batch.discard",
		"revision", r.revision,
		"consecutive", r.decodeFailures,
		"err", err,
	)
	if r.decodeFailures%r.cfg.StallWarnThreshold == 0 {
		r.log.Warn("reconciler.stall",
			"revision", r.revision,
			"consecutive", r.decodeFailures,
		)
	}
}

// next decides what follows a completed poll.
func (r *Reconciler) next() {
	if r.destroyed || r.stopped {
		return
	}
	if r.paused {
		if r.wanted != "" && r.wanted != r.revision {
			r.pending = true
		}
		r.wanted = ""
		r.setState(StatePaused)
		return
	}

	followUp := r.wanted != "" && r.wanted != r.revision
	r.wanted = ""
	if r.pending || followUp {
		r.pending = false
		r.startPoll()
		return
	}
	r.schedule(r.cfg.Interval)
}

func (r *Reconciler) schedule(d time.Duration) {
	r.cancelTimer()
	if d < 0 {
		d = 0
	}
	r.timerGen++
	gen := r.timerGen
	r.timer = r.clock.AfterFunc(d, func() {
		r.q.Post(func(ctx context.Context) { r.onTimer(gen) })
	})
	r.setState(StateScheduled)
}

func (r *Reconciler) onTimer(gen uint64) {
	if gen != r.timerGen || r.timer == nil {
		return
	}
	r.timer = nil
	if r.paused || r.destroyed || r.stopped || r.inFlight {
		return
	}
	r.startPoll()
}

func (r *Reconciler) cancelTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *Reconciler) setState(s State) {
	if r.state == s {
		return
	}
	r.metrics.transition(r.state, s)
	r.state = s
}
