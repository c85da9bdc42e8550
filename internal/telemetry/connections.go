package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// ConnEvent is a websocket lifecycle transition.
type ConnEvent struct {
	Name        string
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	Codec       string
	ConnectedAt time.Time
	Reason      string
}

type connPayload struct {
	WS       wsPayload       `json:"ws"`
	Identity identityPayload `json:"identity"`
}

type wsPayload struct {
	Event      string `json:"event"`
	ConnID     string `json:"conn_id"`
	Codec      string `json:"codec,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

type identityPayload struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
}

// ConnEmitter publishes renderer connection events.
type ConnEmitter struct {
	publisher  Publisher
	routingKey string
	source     Source
	logger     *slog.Logger
}

func NewConnEmitter(publisher Publisher, routingKey string, source Source, logger *slog.Logger) *ConnEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnEmitter{publisher: publisher, routingKey: routingKey, source: source, logger: logger}
}

func (e *ConnEmitter) EmitConn(ctx context.Context, ev ConnEvent) {
	if e == nil || e.publisher == nil {
		return
	}

	var duration int64
	if ev.Name != "ws_connect" && !ev.ConnectedAt.IsZero() {
		duration = time.Since(ev.ConnectedAt).Milliseconds()
	}
	envelope := e.source.envelope("ws_events", connPayload{
		WS: wsPayload{
			Event:      ev.Name,
			ConnID:     ev.ConnID,
			Codec:      ev.Codec,
			DurationMS: duration,
			Reason:     ev.Reason,
		},
		Identity: identityPayload{
			UserID:   ev.UserID,
			DeviceID: ev.DeviceID,
			IP:       ev.IP,
		},
	})
	envelope.RequestID = ev.RequestID
	envelope.TraceID = ev.TraceID
	if ev.UserID != "" {
		userID := ev.UserID
		envelope.UserID = &userID
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.logger.Warn("ws event publish failed", "event", ev.Name, "conn_id", ev.ConnID, "error", err)
	}
}
