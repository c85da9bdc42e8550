package session

import (
	"context"

	"chat-timeline/internal/models"
	"chat-timeline/internal/timeline"
)

// Fetcher loads history and forwards the current user's own actions.
type Fetcher interface {
	Fetch(ctx context.Context, scope timeline.Scope, req timeline.PageRequest) (models.FetchResponse, error)
	MarkRead(ctx context.Context, channelID string) error
	SendEvent(ctx context.Context, channelID string, eventType models.EventType) error
}

// EventSource streams live events for a scope. The channel is closed when
// ctx ends or the stream breaks.
type EventSource interface {
	Subscribe(ctx context.Context, scope timeline.Scope) (<-chan models.Event, error)
}

// Update is one change delivered to observers.
type Update struct {
	Seq    uint64          `json:"seq"`
	Scope  timeline.Scope  `json:"scope"`
	Source string          `json:"source"`
	Change timeline.Change `json:"change"`
}

// Observer receives updates in order on the session goroutine. It must not
// call back into the session.
type Observer interface {
	OnChange(ctx context.Context, update Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, update Update)

func (f ObserverFunc) OnChange(ctx context.Context, update Update) {
	f(ctx, update)
}

// State is a read-only view of the session. Seq is the sequence number of
// the last update folded into it.
type State struct {
	Seq         uint64                `json:"seq"`
	Scope       timeline.Scope        `json:"scope"`
	Channel     models.Channel        `json:"channel"`
	Members     []models.Member       `json:"members,omitempty"`
	Items       []timeline.Item       `json:"items"`
	Cursor      timeline.Cursor       `json:"cursor"`
	TypingUsers []timeline.TypingUser `json:"typing_users,omitempty"`
	TypingText  string                `json:"typing_text,omitempty"`
	UnreadCount int                   `json:"unread_count"`
	CanReply    bool                  `json:"can_reply"`
	Fetching    bool                  `json:"fetching"`
	Online      bool                  `json:"online"`
}
