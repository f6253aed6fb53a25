package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/message"
	"chatsync/cmd/internal/queue"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// fakeClock fires timers only on Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

type pollReply struct {
	batch transport.DeltaBatch
	err   error
}

// scriptedPoller reports every call on calls and blocks until the test replies.
type scriptedPoller struct {
	calls   chan string
	replies chan pollReply
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{calls: make(chan string, 16), replies: make(chan pollReply)}
}

func (p *scriptedPoller) Poll(ctx context.Context, since string) (transport.DeltaBatch, error) {
	p.calls <- since
	select {
	case r := <-p.replies:
		return r.batch, r.err
	case <-ctx.Done():
		return transport.DeltaBatch{}, ctx.Err()
	}
}

type commit struct {
	records []message.Record
	deleted []string
}

type fakeCommitter struct {
	mu      sync.Mutex
	commits []commit
	fail    error
}

func (c *fakeCommitter) ReceiveHistoryUpdate(ctx context.Context, recs []message.Record, deleted []string, completion func(context.Context) error) error {
	c.mu.Lock()
	if c.fail != nil {
		err := c.fail
		c.mu.Unlock()
		return err
	}
	c.commits = append(c.commits, commit{records: recs, deleted: deleted})
	c.mu.Unlock()
	return completion(ctx)
}

func (c *fakeCommitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commits)
}

type memState struct {
	mu       sync.Mutex
	revision string
	ended    bool
}

func (s *memState) LastRevision(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision, nil
}

func (s *memState) SetLastRevision(_ context.Context, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision = rev
	return nil
}

func (s *memState) SetHistoryEnded(_ context.Context, ended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = ended
	return nil
}

func (s *memState) snapshot() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision, s.ended
}

type harness struct {
	t       *testing.T
	q       *queue.Queue
	clock   *fakeClock
	poller  *scriptedPoller
	commits *fakeCommitter
	state   *memState
	metrics *Metrics
	fatal   chan error
	r       *Reconciler
}

func newHarness(t *testing.T, startRevision string) *harness {
	t.Helper()

	mapper, err := message.NewMapper("https://demo.chat.example/", nil)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		q:       queue.New("reconciler-test", nil),
		clock:   newFakeClock(),
		poller:  newScriptedPoller(),
		commits: &fakeCommitter{},
		state:   &memState{revision: startRevision},
		metrics: MustNewMetrics(prometheus.NewRegistry()),
		fatal:   make(chan error, 1),
	}
	h.r, err = New(Config{
		Interval:           time.Minute,
		PollTimeout:        5 * time.Second,
		StallWarnThreshold: 3,
		OnFatal:            func(_ context.Context, err error) { h.fatal <- err },
	}, Deps{
		Queue:     h.q,
		Poller:    h.poller,
		Mapper:    mapper,
		Committer: h.commits,
		State:     h.state,
		Clock:     h.clock,
		Metrics:   h.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(h.q.Close)
	return h
}

func (h *harness) on(fn func(ctx context.Context)) {
	h.t.Helper()
	require.NoError(h.t, h.q.Do(context.Background(), func(ctx context.Context) error {
		fn(ctx)
		return nil
	}))
}

func (h *harness) resume() error {
	var err error
	h.on(func(ctx context.Context) { err = h.r.Resume(ctx) })
	return err
}

func (h *harness) expectPoll() string {
	h.t.Helper()
	select {
	case since := <-h.poller.calls:
		return since
	case <-time.After(2 * time.Second):
		h.t.Fatal("expected a poll")
		return ""
	}
}

func (h *harness) expectNoPoll() {
	h.t.Helper()
	select {
	case since := <-h.poller.calls:
		h.t.Fatalf("unexpected poll since %q", since)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) reply(batch transport.DeltaBatch, err error) {
	h.t.Helper()
	select {
	case h.poller.replies <- pollReply{batch: batch, err: err}:
	case <-time.After(2 * time.Second):
		h.t.Fatal("poller did not take the reply")
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var got State
		h.on(func(context.Context) { got = h.r.State() })
		return got == want
	}, 2*time.Second, 5*time.Millisecond, "state %s", want)
}

func (h *harness) revision() string {
	var rev string
	h.on(func(context.Context) { rev = h.r.Revision() })
	return rev
}

func item(id string, ts int64) v1.MessageItem {
	return v1.MessageItem{ClientSideID: id, ID: "s-" + id, Kind: v1.KindOperator, Text: id, TimestampMicros: ts}
}

func TestReconciler_InitialSyncFollowsHasMoreAndEndsHistory(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.resume())

	require.Equal(t, "", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r1", HasMore: true, Messages: []v1.MessageItem{item("a", 1)}}, nil)

	require.Equal(t, "r1", h.expectPoll(), "hasMore polls again without waiting")
	_, ended := h.state.snapshot()
	require.False(t, ended, "history is not ended mid-chain")

	h.reply(transport.DeltaBatch{Revision: "r2", Messages: []v1.MessageItem{item("b", 2)}}, nil)
	h.waitState(StateScheduled)

	rev, ended := h.state.snapshot()
	require.Equal(t, "r2", rev)
	require.True(t, ended)
	require.Equal(t, "r2", h.revision())
	require.Equal(t, 2, h.commits.count())
	h.expectNoPoll()

	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.state.WithLabelValues("scheduled")))
	require.Equal(t, float64(2), testutil.ToFloat64(h.metrics.applied))
}

func TestReconciler_SteadyStatePollsOnInterval(t *testing.T) {
	h := newHarness(t, "r5")
	require.NoError(t, h.resume())

	require.Equal(t, "r5", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r6"}, nil)
	h.waitState(StateScheduled)

	_, ended := h.state.snapshot()
	require.False(t, ended, "a non-empty starting revision never ends history")

	h.clock.Advance(59 * time.Second)
	h.expectNoPoll()

	h.clock.Advance(time.Second)
	require.Equal(t, "r6", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r6"}, nil)
	h.waitState(StateScheduled)
}

func TestReconciler_DecodeFailureKeepsRevisionAndWarnsOnStall(t *testing.T) {
	h := newHarness(t, "r1")
	require.NoError(t, h.resume())

	malformed := &transport.DecodeError{Op: "poll", Err: errors.New("bad json")}
	for i := 0; i < 3; i++ {
		require.Equal(t, "r1", h.expectPoll(), "the same window is requested again")
		h.reply(transport.DeltaBatch{}, malformed)
		h.waitState(StateScheduled)
		h.clock.Advance(time.Minute)
	}

	var stalled bool
	h.on(func(context.Context) { stalled = h.r.Stalled() })
	require.True(t, stalled)
	require.Equal(t, float64(3), testutil.ToFloat64(h.metrics.decodeFailures))
	require.Equal(t, 0, h.commits.count())

	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r2"}, nil)
	h.waitState(StateScheduled)

	h.on(func(context.Context) {
		require.Zero(t, h.r.DecodeFailures())
		require.False(t, h.r.Stalled())
	})
	require.Equal(t, "r2", h.revision())
}

func TestReconciler_TransportFailureReschedules(t *testing.T) {
	h := newHarness(t, "r1")
	require.NoError(t, h.resume())

	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{}, errors.New("connection reset"))
	h.waitState(StateScheduled)
	require.Equal(t, "r1", h.revision())

	h.clock.Advance(time.Minute)
	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r2"}, nil)
	h.waitState(StateScheduled)
}

func TestReconciler_FatalErrorStops(t *testing.T) {
	h := newHarness(t, "r1")
	require.NoError(t, h.resume())

	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{}, &transport.FatalError{Reason: v1.ErrorVisitorBanned})

	select {
	case err := <-h.fatal:
		require.ErrorIs(t, err, transport.ErrFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal not called")
	}

	require.ErrorIs(t, h.resume(), ErrStopped)
	h.clock.Advance(time.Hour)
	h.expectNoPoll()
}

func TestReconciler_PauseLetsInFlightPollApply(t *testing.T) {
	h := newHarness(t, "r1")
	require.NoError(t, h.resume())
	require.Equal(t, "r1", h.expectPoll())

	h.on(func(context.Context) { h.r.Pause() })
	h.reply(transport.DeltaBatch{Revision: "r2", HasMore: true, Messages: []v1.MessageItem{item("a", 1)}}, nil)

	require.Eventually(t, func() bool { return h.commits.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.waitState(StatePaused)
	require.Equal(t, "r2", h.revision())
	h.expectNoPoll()

	// hasMore is remembered across the pause.
	require.NoError(t, h.resume())
	require.Equal(t, "r2", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r3"}, nil)
	h.waitState(StateScheduled)
}

func TestReconciler_ResumeSchedulesRemainingInterval(t *testing.T) {
	h := newHarness(t, "r1")
	require.NoError(t, h.resume())
	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r1"}, nil)
	h.waitState(StateScheduled)

	h.on(func(context.Context) { h.r.Pause() })
	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.resume())
	h.waitState(StateScheduled)
	h.expectNoPoll()

	h.clock.Advance(40 * time.Second)
	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r1"}, nil)
	h.waitState(StateScheduled)
}

func TestReconciler_DestroyDropsStraggler(t *testing.T) {
	h := newHarness(t, "r1")
	require.NoError(t, h.resume())
	require.Equal(t, "r1", h.expectPoll())

	h.on(func(context.Context) { h.r.Destroy() })
	h.reply(transport.DeltaBatch{Revision: "r2", Messages: []v1.MessageItem{item("a", 1)}}, nil)

	// Flush the posted completion.
	require.Eventually(t, func() bool {
		var inFlight bool
		h.on(func(context.Context) { inFlight = h.r.inFlight })
		return !inFlight
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 0, h.commits.count())
	rev, _ := h.state.snapshot()
	require.Equal(t, "r1", rev)
	require.ErrorIs(t, h.resume(), ErrDestroyed)
	require.Equal(t, StateDestroyed, h.r.State())
}

func TestReconciler_NotifyRevision(t *testing.T) {
	h := newHarness(t, "r1")
	require.NoError(t, h.resume())
	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r2"}, nil)
	h.waitState(StateScheduled)

	t.Run("same revision is ignored", func(t *testing.T) {
		h.on(func(context.Context) { h.r.NotifyRevision("r2") })
		h.expectNoPoll()
	})

	t.Run("new revision polls immediately", func(t *testing.T) {
		h.on(func(context.Context) { h.r.NotifyRevision("r3") })
		require.Equal(t, "r2", h.expectPoll())

		// Pushed while in flight: one follow-up poll after this one.
		h.on(func(context.Context) { h.r.NotifyRevision("r4") })
		h.reply(transport.DeltaBatch{Revision: "r3"}, nil)

		require.Equal(t, "r3", h.expectPoll())
		h.reply(transport.DeltaBatch{Revision: "r4"}, nil)
		h.waitState(StateScheduled)
		h.expectNoPoll()
	})
}

func TestReconciler_CommitFailureKeepsRevision(t *testing.T) {
	h := newHarness(t, "r1")
	h.commits.fail = errors.New("disk full")
	require.NoError(t, h.resume())

	require.Equal(t, "r1", h.expectPoll())
	h.reply(transport.DeltaBatch{Revision: "r2", Messages: []v1.MessageItem{item("a", 1)}}, nil)
	h.waitState(StateScheduled)

	rev, _ := h.state.snapshot()
	require.Equal(t, "r1", rev)
	require.Equal(t, "r1", h.revision())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
