package models

import "time"

// EventType names a live event.
type EventType string

const (
	EventTypingStart     EventType = "typing.start"
	EventTypingStop      EventType = "typing.stop"
	EventMessageNew      EventType = "message.new"
	EventMessageUpdated  EventType = "message.updated"
	EventMessageDeleted  EventType = "message.deleted"
	EventReactionNew     EventType = "reaction.new"
	EventReactionDeleted EventType = "reaction.deleted"
	EventMessageRead     EventType = "message.read"
	EventChannelUpdated  EventType = "channel.updated"
)

// Event is broadcasted over the live event stream.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`
	User      *User     `json:"user,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Reaction  *Reaction `json:"reaction,omitempty"`
	Channel   *Channel  `json:"channel,omitempty"`
	// LastReadAt is only set on message.read.
	LastReadAt time.Time `json:"last_read,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserID returns the id of the acting user or "".
func (e Event) UserID() string {
	if e.User == nil {
		return ""
	}
	return e.User.ID
}

// Clone copies the event and everything it points to.
func (e Event) Clone() Event {
	if e.User != nil {
		u := *e.User
		e.User = &u
	}
	if e.Message != nil {
		m := e.Message.Clone()
		e.Message = &m
	}
	if e.Reaction != nil {
		r := *e.Reaction
		e.Reaction = &r
	}
	if e.Channel != nil {
		c := *e.Channel
		e.Channel = &c
	}
	return e
}

// Equal reports whether two events carry the same payload.
func (e Event) Equal(other Event) bool {
	if e.Type != other.Type || e.ChannelID != other.ChannelID || !e.CreatedAt.Equal(other.CreatedAt) {
		return false
	}
	if !e.LastReadAt.Equal(other.LastReadAt) {
		return false
	}
	if (e.User == nil) != (other.User == nil) || (e.User != nil && *e.User != *other.User) {
		return false
	}
	if (e.Message == nil) != (other.Message == nil) || (e.Message != nil && !e.Message.Equal(*other.Message)) {
		return false
	}
	if (e.Reaction == nil) != (other.Reaction == nil) {
		return false
	}
	if e.Reaction != nil {
		a, b := e.Reaction, other.Reaction
		if a.Type != b.Type || a.UserID != b.UserID || a.MessageID != b.MessageID || a.Score != b.Score || !a.CreatedAt.Equal(b.CreatedAt) {
			return false
		}
	}
	if (e.Channel == nil) != (other.Channel == nil) {
		return false
	}
	if e.Channel != nil {
		a, b := e.Channel, other.Channel
		if a.ID != b.ID || a.Type != b.Type || a.Name != b.Name || a.MemberCount != b.MemberCount || a.Config != b.Config || !a.UpdatedAt.Equal(b.UpdatedAt) {
			return false
		}
	}
	return true
}
