package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"estate-chat/internal/rabbitmq"
	"estate-chat/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints: a synthetic audit event and a report of the
// active event backend.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, publisher rabbitmq.Publisher, enabled bool) {
	if !enabled {
		return
	}

	debug := router.Group("/debug")
	debug.GET("/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		rec := auditRecord(c, "INFO", "audit test", http.StatusOK)
		emitter.Emit(c.Request.Context(), rec)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": rec.RequestID})
	})
	debug.GET("/publisher", func(c *gin.Context) {
		if publisher == nil {
			c.JSON(http.StatusOK, gin.H{"mode": "none"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"mode":        rabbitmq.PublisherMode(publisher),
			"noop_reason": rabbitmq.PublisherNoopReason(publisher),
		})
	})
}
