package backendsim

import (
	"sync"

	v1 "chatsync/shared/contracts/delta/v1"
)

// subscriber is one connected live-event websocket.
//
// send is never closed by the server, so concurrent broadcasters cannot panic;
// done signals the connection goroutines to stop.
type subscriber struct {
	pageID string
	send   chan v1.LiveEnvelope

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(pageID string, queueSize int) *subscriber {
	if queueSize <= 0 {
		queueSize = sendQueueSize
	}
	return &subscriber{
		pageID: pageID,
		send:   make(chan v1.LiveEnvelope, queueSize),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) Done() <-chan struct{} { return s.done }

// Close is idempotent and leaves send open.
func (s *subscriber) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// offer enqueues env without blocking; it drops under backpressure.
func (s *subscriber) offer(env v1.LiveEnvelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}
