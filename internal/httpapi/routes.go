package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agfinbot/internal/conversation"
	"agfinbot/internal/store"
)

const (
	defaultListLimit    = 50
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

func (s *Server) registerRoutes() {
	api := s.router.Group(Prefix)

	api.GET("/health", s.handleHealth)
	api.GET("/health/live", s.handleLive)
	api.GET("/health/ready", s.handleReady)
	api.GET("/schema", func(c *gin.Context) {
		c.JSON(http.StatusOK, Schemas())
	})

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)

	sessions := api.Group("/sessions/:id")
	sessions.GET("", s.handleGetSession)
	sessions.PATCH("", s.handleUpdateSession)
	sessions.DELETE("", s.handleDeleteSession)
	sessions.GET("/messages", s.handleListMessages)
	sessions.GET("/state", s.handleState)
	sessions.GET("/events", s.handleEvents)
	sessions.POST("/messages", s.handleSend)
	sessions.DELETE("/messages", s.handleClear)
	sessions.POST("/stop", s.handleStop)
	sessions.POST("/regenerate", s.handleRegenerate)
	sessions.POST("/reload", s.handleReload)
	sessions.DELETE("/error", s.handleDismissError)
	sessions.POST("/messages/:mid/edit/begin", s.handleBeginEdit)
	sessions.POST("/messages/:mid/edit", s.handleCommitEdit)
	sessions.DELETE("/edit", s.handleCancelEdit)
	sessions.POST("/title", s.handleTitle)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	info, err := s.catalog.CreateSession(c.Request.Context(), store.NewSession{
		UserID:        req.UserID,
		Title:         req.Title,
		WorkflowMode:  req.WorkflowMode,
		ApplicationID: req.ApplicationID,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSessions(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.abortWithError(c, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	list, err := s.catalog.ListSessions(c.Request.Context(), c.Query("user_id"), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if list == nil {
		list = []store.SessionInfo{}
	}
	c.JSON(http.StatusOK, SessionListResponse{Sessions: list, Count: len(list)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	info, err := s.catalog.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleUpdateSession(c *gin.Context) {
	var req UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	info, err := s.catalog.UpdateSession(c.Request.Context(), c.Param("id"), store.SessionUpdate{
		Title:        req.Title,
		WorkflowMode: req.WorkflowMode,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleDeleteSession drops the session with its messages. A cached engine
// is closed first so an in-flight reply cannot write into the deleted session.
func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.catalog.GetSession(ctx, id); err != nil {
		s.abortWithError(c, err)
		return
	}
	s.registry.Remove(id)
	if err := s.catalog.DeleteSession(ctx, id); err != nil {
		s.abortWithError(c, err)
		return
	}
	s.logger.InfoContext(ctx, "session deleted", slog.String("session_id", id))
	c.Status(http.StatusNoContent)
}

// handleListMessages returns the oldest limit persisted messages in order.
func (s *Server) handleListMessages(c *gin.Context) {
	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMessageLimit {
			s.abortWithError(c, fmt.Errorf("%w: limit must be between 1 and %d", errBadRequest, maxMessageLimit))
			return
		}
		limit = n
	}
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.catalog.GetSession(ctx, id); err != nil {
		s.abortWithError(c, err)
		return
	}
	hist, err := s.history.FetchHistory(ctx, id)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	msgs := hist.Messages
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	c.JSON(http.StatusOK, SessionMessagesResponse{SessionID: id, Messages: msgs, Count: len(msgs)})
}

// engineFor resolves the session engine, writing an error response when the
// session does not exist.
func (s *Server) engineFor(c *gin.Context) (*conversation.Engine, bool) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := s.catalog.GetSession(ctx, id); err != nil {
		s.abortWithError(c, err)
		return nil, false
	}
	engine, err := s.registry.Get(ctx, id)
	if err != nil {
		s.abortWithError(c, err)
		return nil, false
	}
	return engine, true
}

func (s *Server) handleState(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	if err := engine.Send(c.Request.Context(), req.Content); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, engine.Snapshot())
}

func (s *Server) handleStop(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	stopped := engine.Stop()
	c.JSON(http.StatusOK, StopResponse{Stopped: stopped, Snapshot: engine.Snapshot()})
}

func (s *Server) handleRegenerate(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	if err := engine.RegenerateLast(c.Request.Context()); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, engine.Snapshot())
}

func (s *Server) handleClear(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	if err := engine.Clear(c.Request.Context()); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (s *Server) handleReload(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	if err := engine.LoadHistory(c.Request.Context()); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (s *Server) handleDismissError(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	engine.DismissError()
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (s *Server) handleBeginEdit(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	if err := engine.BeginEdit(c.Param("mid")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (s *Server) handleCancelEdit(c *gin.Context) {
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	engine.CancelEdit()
	c.JSON(http.StatusOK, engine.Snapshot())
}

func (s *Server) handleCommitEdit(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	engine, ok := s.engineFor(c)
	if !ok {
		return
	}
	if err := engine.CommitEdit(c.Request.Context(), c.Param("mid"), req.Content, req.Regenerate); err != nil {
		s.abortWithError(c, err)
		return
	}
	status := http.StatusOK
	if req.Regenerate {
		status = http.StatusAccepted
	}
	c.JSON(status, engine.Snapshot())
}

func (s *Server) handleTitle(c *gin.Context) {
	var req GenerateTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	res, err := s.titles.Apply(c.Request.Context(), c.Param("id"), req.UserMessage, req.AssistantResponse)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
