package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"estate-chat/internal/observability"
)

const RequestIDKey = "request_id"

// RequestID assigns every request an id, echoes it back and threads it into the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := observability.RequestIDFromRequest(c.Request)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Writer.Header().Set("X-Request-Id", requestID)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
