package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-timeline/internal/session"
	"chat-timeline/internal/telemetry"
	"chat-timeline/internal/timeline"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, feed *telemetry.ChangeFeed, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/changefeed-test", func(c *gin.Context) {
		if feed == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "change feed not configured"})
			return
		}
		feed.OnChange(c.Request.Context(), session.Update{
			Source: "debug",
			Change: timeline.NoChange(),
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok", "dropped": feed.Dropped()})
	})
}
