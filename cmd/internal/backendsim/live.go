package backendsim

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleLive(c *gin.Context) {
	s.mu.Lock()
	p, ok := s.gateLocked(c)
	s.mu.Unlock()
	if !ok {
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Error("backendsim.live.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	pageID := ""
	if p != nil {
		pageID = c.Query("page-id")
	}
	sub := newSubscriber(pageID, sendQueueSize)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown removes the subscriber before closing it, so broadcasters never hold a
	// subscriber whose goroutines are gone.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()

			sub.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	s.log.Info("backendsim.live.join", "page_id", pageID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case env := <-sub.send:
				if err := writeEnvelope(ctx, conn, env, writeTimeout); err != nil {
					s.log.Info("backendsim.live.write.fail", "page_id", pageID, "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
			}
		}
	}()

	// Visitors do not send live frames; reading only detects the close.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	s.log.Info("backendsim.live.leave", "page_id", pageID)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// broadcastLocked fans an event out to every subscriber without blocking.
func (s *Server) broadcastLocked(typ string, payload any) {
	if len(s.subs) == 0 {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("backendsim.live.encode.fail", "type", typ, "err", err)
		return
	}
	env := v1.LiveEnvelope{V: v1.LiveVersion, Type: typ, TS: s.now(), Payload: b}
	for sub := range s.subs {
		if !sub.offer(env) {
			s.log.Debug("backendsim.live.drop", "page_id", sub.pageID, "type", typ)
		}
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.LiveEnvelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
