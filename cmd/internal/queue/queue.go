// Package queue provides the serial execution queue of a session: one goroutine runs
// posted tasks strictly in order, so state touched only from tasks needs no locking.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrClosed is returned when a task cannot run because the queue is closed.
var ErrClosed = errors.New("queue: closed")

// Task is a unit of work. ctx is marked as running on the queue (see OnQueue) and is
// canceled when the queue closes.
type Task func(ctx context.Context)

type queueKey struct{}

// OnQueue reports whether ctx belongs to a task running on q.
func OnQueue(ctx context.Context, q *Queue) bool {
	if ctx == nil || q == nil {
		return false
	}
	v, _ := ctx.Value(queueKey{}).(*Queue)
	return v == q
}

// Queue is a single-goroutine FIFO executor with an unbounded backlog.
//
// Design notes:
// - Post never blocks, so timers and network completions cannot deadlock the queue.
// - Close is idempotent; queued tasks that have not started are dropped.
// - A panicking task is logged and does not stop the queue.
type Queue struct {
	name string
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   []Task
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
}

// New starts a queue. name shows up in logs.
func New(name string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	q := &Queue{
		name:    name,
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	q.ctx, q.cancel = context.WithCancel(context.WithValue(context.Background(), queueKey{}, q))
	go q.run()
	return q
}

// Post enqueues fn. It returns false when the queue is closed.
func (q *Queue) Post(fn Task) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the queue and waits for its result. Called from a task of the same
// queue (ctx from that task), fn runs inline.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if OnQueue(ctx, q) {
		return fn(ctx)
	}

	res := make(chan error, 1)
	if !q.Post(func(qctx context.Context) { res <- fn(qctx) }) {
		return ErrClosed
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopped:
		// The task may have completed right before the queue stopped.
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the queue. It does not wait: the running task (if any) completes and the
// goroutine exits; use Done to wait. Safe to call from a task.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		dropped := len(q.tasks)
		q.tasks = nil
		q.mu.Unlock()

		q.cancel()
		select {
		case q.wake <- struct{}{}:
		default:
		}
		if dropped > 0 {
			q.log.Debug("queue.close.dropped", "queue", q.name, "tasks", dropped)
		}
	})
}

// Done is closed once the queue goroutine exits.
func (q *Queue) Done() <-chan struct{} { return q.stopped }

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(fn)
	}
}

func (q *Queue) exec(fn Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue.task.panic", "queue", q.name, "panic", fmt.Sprint(r))
		}
	}()
	fn(q.ctx)
}
