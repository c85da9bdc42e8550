package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-timeline/internal/codec"
	"chat-timeline/internal/middleware"
	"chat-timeline/internal/models"
	"chat-timeline/internal/observability"
	"chat-timeline/internal/session"
	"chat-timeline/internal/timeline"
)

const commandTimeout = 10 * time.Second

// Controller is the part of a session a renderer can drive.
type Controller interface {
	Snapshot(ctx context.Context) (session.State, error)
	SwitchScope(ctx context.Context, scope timeline.Scope, parent *models.Message) error
	LoadMore(ctx context.Context) error
	Reload(ctx context.Context) error
	MarkRead(ctx context.Context) error
	SetTyping(ctx context.Context, typing bool) error
}

// Command is a renderer request read from the socket.
type Command struct {
	Action    string `json:"action"`
	Typing    bool   `json:"typing,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
}

// TimelineWebSocketHandler streams timeline changes to renderers.
type TimelineWebSocketHandler struct {
	hub        *Hub
	controller Controller
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewTimelineWebSocketHandler constructs a TimelineWebSocketHandler.
func NewTimelineWebSocketHandler(hub *Hub, controller Controller, logger *slog.Logger) *TimelineWebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimelineWebSocketHandler{
		hub:        hub,
		controller: controller,
		logger:     logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{codec.SubprotocolJSON, codec.SubprotocolCBOR},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection, sends the current snapshot and then every change.
func (h *TimelineWebSocketHandler) Handle(c *gin.Context) {
	var forced codec.Format
	if raw := c.Query("codec"); raw != "" {
		format, err := codec.ParseFormat(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		forced = format
	}

	ctx, span := otel.Tracer("chat-timeline/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	format := forced
	if format == "" {
		format, _ = codec.ParseFormat(conn.Subprotocol())
	}
	span.SetAttributes(attribute.String("codec", string(format)))

	traceID := span.SpanContext().TraceID().String()
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userIDFromGin(c),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		Codec:       string(format),
		ConnectedAt: time.Now(),
	}
	client := NewClient(conn, info, format)
	h.hub.Add(client)
	client.Start()

	// The request context ends when Handle returns; the connection outlives it.
	connCtx := context.WithoutCancel(ctx)

	observability.IncWSActive("timeline")
	observability.IncWSEvent("timeline", "ws_connect")
	if h.hub.emitter != nil {
		h.hub.emitter.EmitConn(connCtx, info.event("ws_connect", ""))
	}
	h.logger.Info("renderer connected", "conn_id", info.ConnID, "user_id", info.UserID, "codec", format)

	state, err := h.controller.Snapshot(ctx)
	if err != nil {
		h.hub.Prime(connCtx, client, nil, err)
	} else {
		h.hub.Prime(connCtx, client, &state, nil)
	}

	go h.readLoop(connCtx, conn, client)
}

func (h *TimelineWebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	var closeReason string
	defer func() {
		h.hub.Remove(client)
		client.Close(websocket.CloseNormalClosure, "")
		observability.DecWSActive("timeline")
		observability.IncWSEvent("timeline", "ws_disconnect")
		if h.hub.emitter != nil {
			h.hub.emitter.EmitConn(ctx, client.Info.event("ws_disconnect", closeReason))
		}
		h.logger.Info("renderer disconnected", "conn_id", client.ID, "reason", closeReason)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			expected := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed)
			if !expected {
				h.hub.publishWSError(ctx, client, closeReason)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd Command
		if err := client.Format.Unmarshal(data, &cmd); err != nil {
			h.hub.SendTo(client, Frame{Type: FrameError, Error: "invalid command: " + err.Error()})
			continue
		}
		if err := h.dispatch(ctx, cmd); err != nil {
			h.hub.SendTo(client, Frame{Type: FrameError, Error: err.Error()})
		}
	}
}

func (h *TimelineWebSocketHandler) dispatch(ctx context.Context, cmd Command) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd.Action {
	case "load_more":
		return h.controller.LoadMore(ctx)
	case "reload":
		return h.controller.Reload(ctx)
	case "mark_read":
		return h.controller.MarkRead(ctx)
	case "typing":
		return h.controller.SetTyping(ctx, cmd.Typing)
	case "scope":
		if cmd.ChannelID == "" {
			return errors.New("scope: channel_id required")
		}
		return h.controller.SwitchScope(ctx, timeline.Scope{ChannelID: cmd.ChannelID, ParentID: cmd.ParentID}, nil)
	default:
		return errors.New("unknown action " + cmd.Action)
	}
}

func userIDFromGin(c *gin.Context) string {
	if id := c.GetString(middleware.UserIDKey); id != "" {
		return id
	}
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return c.Query("user")
}
