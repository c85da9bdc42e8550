package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chat-timeline/internal/middleware"
)

// requestIDFromContext returns the id set by middleware.RequestID, minting one
// for routes mounted without it.
func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		userID = c.GetHeader("X-User-ID")
	}
	if userID == "" {
		return nil
	}
	return &userID
}
