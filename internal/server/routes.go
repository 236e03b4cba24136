package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/palaver/internal/coordinator"
	"github.com/zulandar/palaver/internal/index"
	"github.com/zulandar/palaver/internal/ledger"
	"github.com/zulandar/palaver/internal/livequery"
	"github.com/zulandar/palaver/internal/models"
)

const userKey = "palaver.user"

// registerRoutes sets up all API routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", s.requireUser())
	api.GET("/conversations", s.handleListConversations)
	api.POST("/conversations", s.handleNewConversation)
	api.GET("/conversations/:id", s.handleSnapshot)
	api.GET("/conversations/:id/turns", s.handleTurns)
	api.POST("/conversations/:id/messages", s.handleSendMessage)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)
	api.GET("/conversations/:id/events", s.handleConversationEvents)
	api.GET("/events", s.handleConversationListEvents)
	api.DELETE("/history", s.handleClearHistory)
}

// requireUser rejects API calls while signed out.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := s.opts.Credentials.UserID()
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
			return
		}
		c.Set(userKey, userID)
		c.Next()
	}
}

func (s *Server) handleListConversations(c *gin.Context) {
	userID := c.GetString(userKey)
	convs, err := s.index.List(c.Request.Context(), userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	convs = index.WithPlaceholder(convs, c.Query("active"), s.opts.Now())
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) handleNewConversation(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"id": uuid.NewString()})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	e, err := s.acquire(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	defer s.release(e)
	c.JSON(http.StatusOK, e.view.Snapshot())
}

func (s *Server) handleTurns(c *gin.Context) {
	turns, err := s.opts.Ledger.ListByConversation(c.Request.Context(), c.GetString(userKey), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": turns})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	e, err := s.acquire(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	defer s.release(e)
	id, err := e.view.SendMessage(c.Request.Context(), body.Content)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// handleDeleteConversation removes a conversation and suggests a fresh
// conversation ID to continue with.
func (s *Server) handleDeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := s.opts.Ledger.DeleteConversation(c.Request.Context(), c.GetString(userKey), id); err != nil {
		s.fail(c, err)
		return
	}
	s.evict(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id, "next_id": uuid.NewString()})
}

func (s *Server) handleClearHistory(c *gin.Context) {
	if err := s.opts.Ledger.ClearUser(c.Request.Context(), c.GetString(userKey)); err != nil {
		s.fail(c, err)
		return
	}
	s.evict()
	c.Status(http.StatusNoContent)
}

// handleConversationEvents streams the conversation view's snapshots.
func (s *Server) handleConversationEvents(c *gin.Context) {
	e, err := s.acquire(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	defer s.release(e)
	slot := e.subscribe()
	defer e.unsubscribe(slot)
	streamSSE(c, "snapshot", slot, s.opts.Heartbeat)
}

// handleConversationListEvents streams the conversation list, refreshed
// after every change to the user's turns.
func (s *Server) handleConversationListEvents(c *gin.Context) {
	userID := c.GetString(userKey)
	active := c.Query("active")
	slot := newLatest[[]models.Conversation]()

	fetch := func(ctx context.Context) ([]models.Conversation, error) {
		convs, err := s.index.List(ctx, userID)
		if err != nil {
			return nil, err
		}
		return index.WithPlaceholder(convs, active, s.opts.Now()), nil
	}
	sub, err := livequery.Watch(c.Request.Context(), s.opts.Bus, livequery.Query{UserID: userID}, fetch, slot.set)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sub.Close()
	streamSSE(c, "conversations", slot, s.opts.Heartbeat)
}

// fail maps an error to a status code and a message safe to show.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNoCredential):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, coordinator.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, coordinator.ErrPrecondition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case ledger.IsStorageFault(err):
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("storage fault")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	case errors.Is(err, errClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
