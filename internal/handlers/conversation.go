package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"estate-chat/internal/directory"
	"estate-chat/internal/models"
	"estate-chat/internal/repositories"
	"estate-chat/internal/telemetry"
	"estate-chat/internal/thread"
)

const maxPageSize = 200

// DirectoryLoader loads the enriched conversation list.
type DirectoryLoader interface {
	Load(ctx context.Context, viewerID string) ([]models.ConversationView, error)
}

// ThreadService is the message thread API used by the handlers.
type ThreadService interface {
	Load(ctx context.Context, viewerID, conversationID string, page thread.Page) (thread.Thread, error)
	Send(ctx context.Context, viewerID, conversationID, content string) (models.Message, error)
	MarkRead(ctx context.Context, viewerID, conversationID string) (int, error)
	Start(ctx context.Context, buyerID, propertyID string) (models.Conversation, bool, error)
}

// ConversationHandler manages conversation and message endpoints.
type ConversationHandler struct {
	directory DirectoryLoader
	threads   ThreadService
	audit     *telemetry.AuditEmitter
	logger    *slog.Logger
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(directory DirectoryLoader, threads ThreadService, audit *telemetry.AuditEmitter, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		directory: directory,
		threads:   threads,
		audit:     audit,
		logger:    logger,
	}
}

// ListConversations returns the viewer's directory, optionally filtered by ?q=.
// A failed load still answers 200 with an empty list.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetString("userID")

	views, err := h.directory.Load(c.Request.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "list conversations failed", "user_id", userID, "request_id", requestIDFromContext(c), "error", err)
		views = []models.ConversationView{}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": directory.Filter(views, c.Query("q"))})
}

// StartConversation opens (or returns) the viewer's conversation about a property.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		PropertyID string `json:"property_id" binding:"required,uuid"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	conv, created, err := h.threads.Start(c.Request.Context(), userID, req.PropertyID)
	switch {
	case err == nil:
	case errors.Is(err, repositories.ErrPropertyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "property not found"})
		return
	case errors.Is(err, thread.ErrOwnListing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message your own listing"})
		return
	default:
		h.serverError(c, "could not start conversation", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv})
}

// GetMessages returns the thread, oldest first. ?limit= and ?before= page through history.
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	page := thread.Page{Before: c.Query("before")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 || limit > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		page.Limit = limit
	}
	if page.Before != "" {
		if _, err := uuid.Parse(page.Before); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
	}

	th, err := h.threads.Load(c.Request.Context(), c.GetString("userID"), conversationID, page)
	if err != nil {
		h.threadError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, th)
}

// PostMessage stores a message from the viewer and broadcasts it.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.threads.Send(c.Request.Context(), c.GetString("userID"), conversationID, req.Content)
	if err != nil {
		h.threadError(c, err, "failed to send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// MarkRead marks the viewer's incoming messages in the conversation as read.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}

	count, err := h.threads.MarkRead(c.Request.Context(), c.GetString("userID"), conversationID)
	if err != nil {
		h.threadError(c, err, "failed to mark messages read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func (h *ConversationHandler) threadError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, thread.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message content is required"})
	case errors.Is(err, thread.ErrSendInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "a message is already being sent"})
	case errors.Is(err, thread.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
	case errors.Is(err, repositories.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		h.serverError(c, message, err)
	}
}

func (h *ConversationHandler) serverError(c *gin.Context, message string, err error) {
	rec := auditRecord(c, "ERROR", message+": "+err.Error(), http.StatusInternalServerError)
	h.logger.ErrorContext(c.Request.Context(), message, "request_id", rec.RequestID, "path", rec.Route, "error", err)
	h.audit.Emit(c.Request.Context(), rec)
	c.JSON(http.StatusInternalServerError, gin.H{"error": message})
}

func conversationParam(c *gin.Context) (string, bool) {
	conversationID := c.Param("conversation_id")
	if _, err := uuid.Parse(conversationID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return "", false
	}
	return conversationID, true
}
