package backendsim

import (
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	v1 "chatsync/shared/contracts/delta/v1"

	"github.com/gin-gonic/gin"
)

// Handler returns a gin engine serving the service endpoints.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the service endpoints on r.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/l/v/m")
	{
		api.POST("/init", s.handleInit)
		api.GET("/delta", s.handleDelta)
		api.GET("/history", s.handleHistory)
		api.POST("/action", s.handleAction)
		api.GET("/live", s.handleLive)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "revision": s.Revision()})
	})
}

func (s *Server) handleInit(c *gin.Context) {
	var req v1.InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.InitResponse{Error: "bad-request"})
		return
	}
	if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.Location) == "" {
		c.JSON(http.StatusBadRequest, v1.InitResponse{Error: "bad-request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != "" {
		c.JSON(http.StatusOK, v1.InitResponse{Error: s.fatal})
		return
	}
	resp, err := s.issueLocked(req.SessionID)
	if err != nil {
		s.log.Error("backendsim.init.fail", "err", err)
		c.JSON(http.StatusInternalServerError, v1.InitResponse{Error: v1.ErrorServerNotReady})
		return
	}
	s.log.Info("backendsim.init", "session_id", resp.SessionID, "page_id", resp.PageID)
	c.JSON(http.StatusOK, resp)
}

// gate checks credentials and the fatal switch. It writes the response and returns
// false when the request must stop. Callers hold s.mu.
func (s *Server) gateLocked(c *gin.Context) (*page, bool) {
	p, ok := s.authorizeLocked(c.Query("page-id"), c.Query("auth-token"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": v1.ErrorInvalidPageOrAuthData})
		return nil, false
	}
	if s.fatal != "" {
		c.JSON(http.StatusOK, gin.H{"error": s.fatal})
		return nil, false
	}
	return p, true
}

func (s *Server) handleDelta(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gateLocked(c); !ok {
		return
	}

	var since int64
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 || n > s.seq {
			c.JSON(http.StatusOK, gin.H{"error": v1.ErrorReinitRequired})
			return
		}
		since = n
	}

	if f, ok := s.takeFaultLocked(); ok {
		switch f.Kind {
		case FaultHTTP:
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		case FaultMalformed:
			c.JSON(http.StatusOK, gin.H{"hasMore": false, "messages": []any{}})
		case FaultServiceError:
			c.JSON(http.StatusOK, gin.H{"error": f.Code})
		}
		s.log.Info("backendsim.delta.fault", "kind", f.Kind, "code", f.Code)
		return
	}

	resp := s.deltaLocked(since)
	s.log.Debug("backendsim.delta",
		"since", since,
		"revision", *resp.Revision,
		"messages", len(resp.Messages),
		"deleted", len(resp.Deleted),
		"has_more", resp.HasMore,
	)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gateLocked(c); !ok {
		return
	}

	var before int64
	if raw := c.Query("before-ts"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad-request"})
			return
		}
		before = n
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad-request"})
			return
		}
		limit = n
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}
	}

	c.JSON(http.StatusOK, s.historyLocked(before, limit))
}

func (s *Server) handleAction(c *gin.Context) {
	var req v1.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ActionResponse{Error: "bad-request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.gateLocked(c)
	if !ok {
		return
	}
	if p != nil && !p.limiter.Allow(s.now()) {
		c.JSON(http.StatusTooManyRequests, v1.ActionResponse{Error: "rate-limited"})
		return
	}

	switch req.Action {
	case v1.ActionSendMessage:
		if req.ClientSideID == "" || strings.TrimSpace(req.Text) == "" {
			c.JSON(http.StatusBadRequest, v1.ActionResponse{Error: "bad-request"})
			return
		}
		if utf8.RuneCountInString(req.Text) > maxMessageChars {
			c.JSON(http.StatusOK, v1.ActionResponse{Error: "message-too-long"})
			return
		}
		// Idempotent by client-side ID.
		if sid, ok := s.byClient[req.ClientSideID]; ok {
			c.JSON(http.StatusOK, v1.ActionResponse{Result: "ok", ServerSideID: sid})
			return
		}
		it := s.addLocked(v1.MessageItem{
			ClientSideID: req.ClientSideID,
			Kind:         v1.KindVisitor,
			Text:         req.Text,
			Name:         "Visitor",
		})
		c.JSON(http.StatusOK, v1.ActionResponse{Result: "ok", ServerSideID: it.ID})

	case v1.ActionEditMessage:
		if !s.editLocked(req.ClientSideID, func(it *v1.MessageItem) {
			it.Text = req.Text
			it.Edited = true
		}) {
			c.JSON(http.StatusOK, v1.ActionResponse{Error: "message-not-found"})
			return
		}
		c.JSON(http.StatusOK, v1.ActionResponse{Result: "ok"})

	case v1.ActionDeleteMessage:
		if !s.deleteLocked(req.ClientSideID) {
			c.JSON(http.StatusOK, v1.ActionResponse{Error: "message-not-found"})
			return
		}
		c.JSON(http.StatusOK, v1.ActionResponse{Result: "ok"})

	case v1.ActionReact:
		if !s.editLocked(req.ClientSideID, func(it *v1.MessageItem) { it.Reaction = req.Reaction }) {
			c.JSON(http.StatusOK, v1.ActionResponse{Error: "message-not-found"})
			return
		}
		c.JSON(http.StatusOK, v1.ActionResponse{Result: "ok"})

	case v1.ActionSetTyping:
		s.typing = req.Typing
		s.draft = req.Draft
		if req.DeleteDraft {
			s.draft = ""
		}
		c.JSON(http.StatusOK, v1.ActionResponse{Result: "ok"})

	default:
		c.JSON(http.StatusBadRequest, v1.ActionResponse{Error: "unsupported-action"})
	}
}
