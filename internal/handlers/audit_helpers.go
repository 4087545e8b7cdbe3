package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"estate-chat/internal/middleware"
	"estate-chat/internal/observability"
	"estate-chat/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if userID := c.GetString("userID"); userID != "" {
		return &userID
	}
	return nil
}

// auditRecord describes the current request for the audit trail.
func auditRecord(c *gin.Context, level, text string, status int) telemetry.AuditRecord {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return telemetry.AuditRecord{
		Level:          level,
		Text:           text,
		RequestID:      requestIDFromContext(c),
		UserID:         userIDFromContext(c),
		ConversationID: c.Param("conversation_id"),
		Method:         c.Request.Method,
		Route:          route,
		Status:         status,
	}
}
