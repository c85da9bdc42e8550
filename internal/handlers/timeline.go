package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-timeline/internal/models"
	"chat-timeline/internal/session"
	"chat-timeline/internal/telemetry"
	"chat-timeline/internal/timeline"
)

// Controller is the session surface exposed over HTTP.
type Controller interface {
	Snapshot(ctx context.Context) (session.State, error)
	SwitchScope(ctx context.Context, scope timeline.Scope, parent *models.Message) error
	LoadMore(ctx context.Context) error
	Reload(ctx context.Context) error
	SetEphemeral(ctx context.Context, msg models.Message) error
	ClearEphemeral(ctx context.Context) error
	MarkRead(ctx context.Context) error
	SetTyping(ctx context.Context, typing bool) error
	SetOnline(ctx context.Context, online bool) error
}

// TimelineHandler exposes the timeline session.
type TimelineHandler struct {
	controller Controller
	audit      *telemetry.AuditEmitter
}

// NewTimelineHandler constructs a TimelineHandler.
func NewTimelineHandler(controller Controller, audit *telemetry.AuditEmitter) *TimelineHandler {
	return &TimelineHandler{controller: controller, audit: audit}
}

// Register mounts the timeline routes on r.
func (h *TimelineHandler) Register(r gin.IRoutes) {
	r.GET("/timeline", h.GetTimeline)
	r.POST("/timeline/scope", h.SwitchScope)
	r.POST("/timeline/load-more", h.LoadMore)
	r.POST("/timeline/reload", h.Reload)
	r.PUT("/timeline/ephemeral", h.SetEphemeral)
	r.DELETE("/timeline/ephemeral", h.ClearEphemeral)
	r.POST("/timeline/read", h.MarkRead)
	r.POST("/timeline/typing", h.SetTyping)
	r.PUT("/timeline/online", h.SetOnline)
}

// GetTimeline handles GET /timeline.
func (h *TimelineHandler) GetTimeline(c *gin.Context) {
	state, err := h.controller.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// SwitchScope handles POST /timeline/scope.
func (h *TimelineHandler) SwitchScope(c *gin.Context) {
	var req struct {
		ChannelID string          `json:"channel_id" binding:"required"`
		ParentID  string          `json:"parent_id"`
		Parent    *models.Message `json:"parent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Parent != nil && req.Parent.ID != req.ParentID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parent.id must match parent_id"})
		return
	}

	scope := timeline.Scope{ChannelID: req.ChannelID, ParentID: req.ParentID}
	if err := h.controller.SwitchScope(c.Request.Context(), scope, req.Parent); err != nil {
		h.fail(c, err)
		return
	}
	h.emitAudit(c, "INFO", "Timeline scope switched to "+scope.String())
	c.JSON(http.StatusAccepted, gin.H{"scope": scope})
}

// LoadMore handles POST /timeline/load-more.
func (h *TimelineHandler) LoadMore(c *gin.Context) {
	h.accept(c, h.controller.LoadMore(c.Request.Context()))
}

// Reload handles POST /timeline/reload.
func (h *TimelineHandler) Reload(c *gin.Context) {
	h.accept(c, h.controller.Reload(c.Request.Context()))
}

// SetEphemeral handles PUT /timeline/ephemeral.
func (h *TimelineHandler) SetEphemeral(c *gin.Context) {
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id required"})
		return
	}
	if err := h.controller.SetEphemeral(c.Request.Context(), msg); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearEphemeral handles DELETE /timeline/ephemeral.
func (h *TimelineHandler) ClearEphemeral(c *gin.Context) {
	if err := h.controller.ClearEphemeral(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead handles POST /timeline/read.
func (h *TimelineHandler) MarkRead(c *gin.Context) {
	if err := h.controller.MarkRead(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetTyping handles POST /timeline/typing.
func (h *TimelineHandler) SetTyping(c *gin.Context) {
	var req struct {
		Typing *bool `json:"typing" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.controller.SetTyping(c.Request.Context(), *req.Typing); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetOnline handles PUT /timeline/online.
func (h *TimelineHandler) SetOnline(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.controller.SetOnline(c.Request.Context(), *req.Online); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TimelineHandler) accept(c *gin.Context, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *TimelineHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.emitAudit(c, "ERROR", "internal error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoScope):
		return http.StatusConflict
	case errors.Is(err, timeline.ErrNotEphemeral):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *TimelineHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
