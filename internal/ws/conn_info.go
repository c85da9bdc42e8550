package ws

import (
	"time"

	"chat-timeline/internal/telemetry"
)

type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	Codec       string
	ConnectedAt time.Time
}

func (i ConnInfo) event(name, reason string) telemetry.ConnEvent {
	return telemetry.ConnEvent{
		Name:        name,
		ConnID:      i.ConnID,
		UserID:      i.UserID,
		DeviceID:    i.DeviceID,
		IP:          i.IP,
		RequestID:   i.RequestID,
		TraceID:     i.TraceID,
		Codec:       i.Codec,
		ConnectedAt: i.ConnectedAt,
		Reason:      reason,
	}
}
